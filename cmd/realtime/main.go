// Command realtime runs the realtime candle merger against the
// configured exchange and serves a WebSocket gateway for subscribed
// clients, backed by Redis Pub/Sub for cross-process fan-out.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candlevault/config"
	"candlevault/internal/exchange/binance"
	"candlevault/internal/indicator"
	"candlevault/internal/ingest"
	"candlevault/internal/logger"
	"candlevault/internal/metrics"
	"candlevault/internal/model"
	"candlevault/internal/realtime"
	sqlitestore "candlevault/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[realtime] starting...")

	cfg := config.Load()
	slogger := logger.Init("realtime", slog.LevelInfo)

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
		log.Fatalf("[realtime] mkdir failed: %v", err)
	}
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath}, slogger)
	if err != nil {
		log.Fatalf("[realtime] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	client := binance.New()
	healEngine := ingest.NewEngine(store, client, slogger)

	publisher, err := realtime.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, 0, slogger)
	if err != nil {
		log.Fatalf("[realtime] redis publisher init failed: %v", err)
	}
	defer publisher.Close()
	health.SetRedisConnected(true)

	merger := realtime.NewMerger(store, client, healEngine, publisher, slogger)

	// Indicators warm from the last checkpoint (if any) and the most
	// recent history, then stay live off every candle the merger
	// closes, so the query surface's indicators() endpoint has a
	// Ready value from the first live candle rather than waiting
	// maxPeriod candles to accumulate.
	indEngine := indicator.NewEngine(cfg.IndicatorConfigs())
	indRestorer := indicator.NewRestorer(store, slogger)
	maxPeriod := cfg.MaxIndicatorPeriod()

	tracked := make([]string, 0, len(cfg.Symbols)*len(cfg.Timeframes))
	for _, symbol := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			series := model.Series{Provider: cfg.Provider, Symbol: symbol, Timeframe: tf}

			indRestorer.Restore(ctx, indEngine, series)
			if _, err := indRestorer.Backfill(ctx, indEngine, store, series, maxPeriod); err != nil {
				slogger.Warn("indicator backfill failed", slog.String("series", series.Key()), slog.Any("err", err))
			}

			if _, err := merger.Subscribe(ctx, series); err != nil {
				slogger.Error("merger subscribe failed", slog.String("series", series.Key()), slog.Any("err", err))
				continue
			}
			tracked = append(tracked, series.Key())
		}
	}
	merger.SetIndicators(indEngine, indRestorer)
	health.SetIndicatorOK(true)
	health.SetTrackedSeries(tracked)
	health.SetRealtimeConnected(true)

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	hub := realtime.NewHub(rdb, slogger)

	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastDrops int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.RealtimeClientsConnected.Set(float64(hub.ClientCount()))
				if drops := hub.DropCount(); drops > lastDrops {
					prom.RealtimeFanoutDropsTotal.WithLabelValues("ws_client").Add(float64(drops - lastDrops))
					lastDrops = drops
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)

	wsSrv := &http.Server{Addr: cfg.RealtimeAddr, Handler: mux}
	go func() {
		slogger.Info("websocket gateway listening", slog.String("addr", cfg.RealtimeAddr))
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("websocket gateway error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	wsSrv.Shutdown(shutdownCtx)
}
