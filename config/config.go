package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"candlevault/internal/indicator"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Exchange provider
	Provider    string
	ExchangeKey string

	// Symbols & timeframes to track
	Symbols    []string
	Timeframes []string

	// Historical ingestion floor (inclusive lower bound), "" means "all available"
	StartDate string

	// Force bypasses the completion-skip gate for every configured series
	// (spec §6 "force: ignore Complete status when starting ingestion").
	Force bool

	// Verify runs the Gap Filler over each series' full stored range after
	// ingestion and reports any anomalies it surfaces (spec §6 "verify:
	// run Gap Filler over the full stored series after ingestion; report
	// anomalies").
	Verify bool

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	QueryAddr     string
	RealtimeAddr  string

	// Ingestion tuning
	BatchSize     int
	GapfillPeriod time.Duration

	// Indicator periods applied to every tracked series
	RSIPeriod  int
	SMAPeriods string
	EMAPeriods string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Provider:    getEnv("EXCHANGE_PROVIDER", "binance"),
		ExchangeKey: getEnv("EXCHANGE_API_KEY", ""),

		Symbols:    splitList(mustEnv("SYMBOLS")),
		Timeframes: splitList(getEnv("TIMEFRAMES", "1m,5m,15m,1h")),

		StartDate: getEnv("START_DATE", ""),
		Force:     getEnvBool("FORCE", false),
		Verify:    getEnvBool("VERIFY", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/candlevault.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		QueryAddr:     getEnv("QUERY_ADDR", ":8080"),
		RealtimeAddr:  getEnv("REALTIME_ADDR", ":8081"),

		BatchSize:     getEnvInt("BATCH_SIZE", 1000),
		GapfillPeriod: getEnvDuration("GAPFILL_INTERVAL", 5*time.Minute),

		RSIPeriod:  getEnvInt("RSI_PERIOD", 14),
		SMAPeriods: getEnv("SMA_PERIODS", "20,50"),
		EMAPeriods: getEnv("EMA_PERIODS", "12,26"),
	}
}

// FloorMS converts StartDate ("2006-01-02") into an inclusive floor in
// epoch milliseconds at 00:00:00 UTC on that date. Returns 0 ("all
// available") if StartDate is unset.
func (c *Config) FloorMS() int64 {
	if c.StartDate == "" {
		return 0
	}
	t, err := time.Parse("2006-01-02", c.StartDate)
	if err != nil {
		log.Printf("[config] invalid START_DATE %q, ignoring floor: %v", c.StartDate, err)
		return 0
	}
	return t.UnixMilli()
}

// IndicatorConfigs builds the uniform indicator configuration every
// tracked series gets: one RSI at RSIPeriod, one SMA and EMA per
// period in SMAPeriods/EMAPeriods.
func (c *Config) IndicatorConfigs() []indicator.IndicatorConfig {
	configs := []indicator.IndicatorConfig{{Type: "RSI", Period: c.RSIPeriod}}
	for _, p := range ParsePeriods(c.SMAPeriods) {
		configs = append(configs, indicator.IndicatorConfig{Type: "SMA", Period: p})
	}
	for _, p := range ParsePeriods(c.EMAPeriods) {
		configs = append(configs, indicator.IndicatorConfig{Type: "EMA", Period: p})
	}
	return configs
}

// MaxIndicatorPeriod returns the longest period across every
// configured indicator, the window Restorer.Backfill needs to warm a
// cold-started series up to Ready before serving live values.
func (c *Config) MaxIndicatorPeriod() int {
	max := c.RSIPeriod
	for _, p := range ParsePeriods(c.SMAPeriods) {
		if p > max {
			max = p
		}
	}
	for _, p := range ParsePeriods(c.EMAPeriods) {
		if p > max {
			max = p
		}
	}
	return max
}

// ParsePeriods parses a comma-separated list of integer indicator
// periods, the way Config.ParseTFs historically parsed ENABLED_TFS.
func ParsePeriods(csv string) []int {
	parts := strings.Split(csv, ",")
	periods := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid period value: %q", p)
			continue
		}
		periods = append(periods, n)
	}
	return periods
}

func splitList(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s=%q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
