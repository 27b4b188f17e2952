// Command ingest runs the historical ingestion engine once for every
// configured (symbol, timeframe) pair, gap-filling and tracking
// completion as it goes, then exits.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"candlevault/config"
	"candlevault/internal/exchange/binance"
	"candlevault/internal/gapfill"
	"candlevault/internal/indicator"
	"candlevault/internal/ingest"
	"candlevault/internal/logger"
	"candlevault/internal/metrics"
	"candlevault/internal/model"
	"candlevault/internal/period"
	sqlitestore "candlevault/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[ingest] starting...")

	cfg := config.Load()
	slogger := logger.Init("ingest", slog.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slogger.Info("shutdown signal received")
		cancel()
	}()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	defer metricsSrv.Stop(context.Background())

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Fatalf("[ingest] mkdir failed: %v", err)
	}
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath}, slogger)
	if err != nil {
		log.Fatalf("[ingest] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	client := binance.New()
	engine := ingest.NewEngine(store, client, slogger)

	requests := make([]ingest.Request, 0, len(cfg.Symbols)*len(cfg.Timeframes))
	for _, symbol := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			requests = append(requests, ingest.Request{
				Provider:  cfg.Provider,
				Symbol:    symbol,
				Timeframe: tf,
				FloorMS:   cfg.FloorMS(),
				Force:     cfg.Force,
			})
		}
	}
	slogger.Info("ingesting series", slog.Int("count", len(requests)))

	summary := engine.RunAll(ctx, requests, 4)

	for _, r := range summary.Succeeded {
		prom.CandlesIngestedTotal.WithLabelValues(r.Series.Provider, r.Series.Symbol, r.Series.Timeframe).Add(float64(r.CandlesInserted))
		slogger.Info("series ingested",
			slog.String("series", r.Series.Key()),
			slog.Int("batches", r.BatchesFetched),
			slog.Int("inserted", r.CandlesInserted),
			slog.Int("interpolated", r.CandlesInterpolated))
	}
	for _, r := range summary.Skipped {
		slogger.Info("series skipped (already complete)", slog.String("series", r.Series.Key()))
	}
	for _, r := range summary.Failed {
		slogger.Error("series failed", slog.String("series", r.Series.Key()), slog.Any("err", r.Err))
	}

	slogger.Info("ingestion run complete",
		slog.Int("succeeded", len(summary.Succeeded)),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Int("failed", len(summary.Failed)))

	// Warm the indicator engine off the freshly backfilled history and
	// checkpoint it, so cmd/realtime restores (and the query surface
	// serves) Ready indicators instead of starting cold.
	indEngine := indicator.NewEngine(cfg.IndicatorConfigs())
	restorer := indicator.NewRestorer(store, slogger)
	maxPeriod := cfg.MaxIndicatorPeriod()

	warmSeries := make([]ingest.Result, 0, len(summary.Succeeded)+len(summary.Skipped))
	warmSeries = append(warmSeries, summary.Succeeded...)
	warmSeries = append(warmSeries, summary.Skipped...)

	for _, r := range warmSeries {
		n, err := restorer.Backfill(ctx, indEngine, store, r.Series, maxPeriod)
		if err != nil {
			slogger.Warn("indicator backfill failed", slog.String("series", r.Series.Key()), slog.Any("err", err))
			continue
		}
		if n == 0 {
			continue
		}
		prom.IndicatorsTotal.Add(float64(n))
		if err := restorer.Checkpoint(ctx, indEngine, r.Series); err != nil {
			slogger.Warn("indicator checkpoint failed", slog.String("series", r.Series.Key()), slog.Any("err", err))
		}
	}

	// Operator-requested verification: re-run the Gap Filler over each
	// series' full stored range and surface whatever InvariantError it
	// finds, rather than trusting that ingestion alone left a clean
	// archive (spec §6 "verify").
	if cfg.Verify {
		anomalies := verifySeries(ctx, store, cfg, slogger)
		slogger.Info("verification complete", slog.Int("anomalies", anomalies))
		if anomalies > 0 {
			os.Exit(1)
		}
	}

	if len(summary.Failed) > 0 {
		os.Exit(1)
	}
}

// verifySeries runs gapfill.Fill over [MinOpenTime, MaxOpenTime] for every
// configured (symbol, timeframe) pair and counts how many surfaced an
// anomaly. A series with fewer than two stored candles has nothing to
// verify and is skipped.
func verifySeries(ctx context.Context, store *sqlitestore.Store, cfg *config.Config, slogger *slog.Logger) int {
	anomalies := 0
	for _, symbol := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			series := model.Series{Provider: cfg.Provider, Symbol: symbol, Timeframe: tf}
			log := slogger.With(slog.String("series", series.Key()))

			periodMS, err := period.MS(tf)
			if err != nil {
				log.Error("verify: bad timeframe", slog.Any("err", err))
				anomalies++
				continue
			}

			lo, hasLo, err := store.MinOpenTime(ctx, series)
			if err != nil {
				log.Error("verify: min open_time lookup failed", slog.Any("err", err))
				anomalies++
				continue
			}
			hi, hasHi, err := store.MaxOpenTime(ctx, series)
			if err != nil {
				log.Error("verify: max open_time lookup failed", slog.Any("err", err))
				anomalies++
				continue
			}
			if !hasLo || !hasHi {
				continue
			}

			n, err := gapfill.Fill(ctx, store, series, periodMS, lo, hi, log)
			if err != nil {
				var invErr *gapfill.InvariantError
				if errors.As(err, &invErr) {
					log.Error("verify: anomaly detected", slog.Any("err", err))
				} else {
					log.Error("verify: gap-fill failed", slog.Any("err", err))
				}
				anomalies++
				continue
			}
			if n > 0 {
				log.Warn("verify: filled holes missed during ingestion", slog.Int("inserted", n))
			}
		}
	}
	return anomalies
}
