package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the candle archive.
type Metrics struct {
	// Exchange fetch
	ExchangeRequestsTotal  *prometheus.CounterVec // labels: provider, outcome
	ExchangeRequestDur     *prometheus.HistogramVec
	ExchangeCircuitState   *prometheus.GaugeVec // labels: provider; 0=closed, 1=open, 2=half-open
	ExchangeCircuitTrips   *prometheus.CounterVec
	ExchangeRateLimitWaits *prometheus.CounterVec

	// Ingestion
	CandlesIngestedTotal *prometheus.CounterVec // labels: provider, symbol, timeframe
	IngestCommitDur      prometheus.Histogram
	IngestLagSeconds      prometheus.Gauge

	// Gap detection + backfill
	GapsDetectedTotal   *prometheus.CounterVec // labels: provider, symbol, timeframe
	GapsFilledTotal      *prometheus.CounterVec
	GapfillRunDur        prometheus.Histogram

	// Completion sweep
	CompletionChecksTotal   prometheus.Counter
	CompletionIncompleteTotal *prometheus.CounterVec // labels: timeframe

	// Realtime fan-out
	RealtimeCandlesEmittedTotal prometheus.Counter
	RealtimeClientsConnected    prometheus.Gauge
	RealtimeFanoutDropsTotal    *prometheus.CounterVec // labels: subscriber
	RealtimeWSReconnects        prometheus.Counter

	// Indicator engine
	IndicatorComputeDur prometheus.Histogram
	IndicatorsTotal     prometheus.Counter

	// Query surface
	QueryRequestsTotal *prometheus.CounterVec // labels: route, outcome
	QueryRequestDur    *prometheus.HistogramVec

	// Storage
	StoreWriteDur  prometheus.Histogram
	StoreQueryDur  prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ExchangeRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_exchange_requests_total",
			Help: "Total candle-fetch requests to upstream exchanges",
		}, []string{"provider", "outcome"}),
		ExchangeRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlevault_exchange_request_duration_seconds",
			Help:    "Upstream exchange request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		ExchangeCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlevault_exchange_circuit_breaker_state",
			Help: "Exchange circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"provider"}),
		ExchangeCircuitTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_exchange_circuit_breaker_trips_total",
			Help: "Times an exchange circuit breaker tripped open",
		}, []string{"provider"}),
		ExchangeRateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_exchange_rate_limit_waits_total",
			Help: "Times a request waited on the exchange rate limiter",
		}, []string{"provider"}),

		CandlesIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_candles_ingested_total",
			Help: "Total candles written to the archive",
		}, []string{"provider", "symbol", "timeframe"}),
		IngestCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlevault_ingest_commit_duration_seconds",
			Help:    "SQLite batch commit latency during ingestion",
			Buckets: prometheus.DefBuckets,
		}),
		IngestLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlevault_ingest_lag_seconds",
			Help: "Lag between the latest ingested candle's close time and wall clock",
		}),

		GapsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_gaps_detected_total",
			Help: "Gaps found between stored candles and an expected contiguous series",
		}, []string{"provider", "symbol", "timeframe"}),
		GapsFilledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_gaps_filled_total",
			Help: "Candles backfilled to close a detected gap",
		}, []string{"provider", "symbol", "timeframe"}),
		GapfillRunDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlevault_gapfill_run_duration_seconds",
			Help:    "Wall time for one gap-detection-and-backfill sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		CompletionChecksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlevault_completion_checks_total",
			Help: "Total series checked for completeness",
		}),
		CompletionIncompleteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_completion_incomplete_total",
			Help: "Series found with missing candles during a completion sweep",
		}, []string{"timeframe"}),

		RealtimeCandlesEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlevault_realtime_candles_emitted_total",
			Help: "Total forming-candle updates published to the realtime fan-out",
		}),
		RealtimeClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlevault_realtime_clients_connected",
			Help: "Current number of connected WebSocket clients",
		}),
		RealtimeFanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_realtime_fanout_drops_total",
			Help: "Updates dropped by the realtime hub per subscriber (slow consumer)",
		}, []string{"subscriber"}),
		RealtimeWSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlevault_realtime_ws_reconnects_total",
			Help: "Total upstream exchange WebSocket reconnection attempts",
		}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlevault_indicator_compute_duration_seconds",
			Help:    "Indicator engine compute latency per candle",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		IndicatorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlevault_indicators_total",
			Help: "Total indicator values computed",
		}),

		QueryRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlevault_query_requests_total",
			Help: "Total HTTP query-surface requests",
		}, []string{"route", "outcome"}),
		QueryRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlevault_query_request_duration_seconds",
			Help:    "HTTP query-surface request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		StoreWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlevault_store_write_duration_seconds",
			Help:    "Store write latency (candle upserts, snapshots, status updates)",
			Buckets: prometheus.DefBuckets,
		}),
		StoreQueryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlevault_store_query_duration_seconds",
			Help:    "Store read latency (range queries, status lookups)",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.ExchangeRequestsTotal,
		m.ExchangeRequestDur,
		m.ExchangeCircuitState,
		m.ExchangeCircuitTrips,
		m.ExchangeRateLimitWaits,
		m.CandlesIngestedTotal,
		m.IngestCommitDur,
		m.IngestLagSeconds,
		m.GapsDetectedTotal,
		m.GapsFilledTotal,
		m.GapfillRunDur,
		m.CompletionChecksTotal,
		m.CompletionIncompleteTotal,
		m.RealtimeCandlesEmittedTotal,
		m.RealtimeClientsConnected,
		m.RealtimeFanoutDropsTotal,
		m.RealtimeWSReconnects,
		m.IndicatorComputeDur,
		m.IndicatorsTotal,
		m.QueryRequestsTotal,
		m.QueryRequestDur,
		m.StoreWriteDur,
		m.StoreQueryDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RealtimeConnected bool      `json:"realtime_connected"`
	LastCandleTime    time.Time `json:"last_candle_time"`
	RedisConnected    bool      `json:"redis_connected"`
	SQLiteOK          bool      `json:"sqlite_ok"`
	GapfillOK         bool      `json:"gapfill_ok"`
	IndicatorOK       bool      `json:"indicator_ok"`
	TrackedSeries     []string  `json:"tracked_series"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRealtimeConnected(v bool) {
	h.mu.Lock()
	h.RealtimeConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetGapfillOK(v bool) {
	h.mu.Lock()
	h.GapfillOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetIndicatorOK(v bool) {
	h.mu.Lock()
	h.IndicatorOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTrackedSeries(series []string) {
	h.mu.Lock()
	h.TrackedSeries = series
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && !h.RedisConnected {
		overallStatus = "unhealthy"
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string   `json:"status"`
		Uptime            string   `json:"uptime"`
		RealtimeConnected bool     `json:"realtime_connected"`
		LastCandleTime    string   `json:"last_candle_time"`
		CandleAge         string   `json:"candle_age"`
		RedisConnected    bool     `json:"redis_connected"`
		RedisLatencyMs    float64  `json:"redis_latency_ms"`
		SQLiteOK          bool     `json:"sqlite_ok"`
		SQLiteLatencyMs   float64  `json:"sqlite_latency_ms"`
		GapfillOK         bool     `json:"gapfill_ok"`
		IndicatorOK       bool     `json:"indicator_ok"`
		TrackedSeries     []string `json:"tracked_series"`
		LastCheckAt       string   `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		RealtimeConnected: h.RealtimeConnected,
		LastCandleTime:    h.LastCandleTime.Format(time.RFC3339),
		CandleAge:         candleAge,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		GapfillOK:         h.GapfillOK,
		IndicatorOK:       h.IndicatorOK,
		TrackedSeries:     h.TrackedSeries,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
