// Command server exposes the read-only Query Surface over HTTP: candle
// history, tracked pairs, and the latest checkpointed indicator values.
// It never writes to the archive.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlevault/config"
	"candlevault/internal/logger"
	"candlevault/internal/metrics"
	"candlevault/internal/query"
	sqlitestore "candlevault/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[server] starting...")

	cfg := config.Load()
	slogger := logger.Init("server", slog.LevelInfo)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	defer metricsSrv.Stop(context.Background())

	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath}, slogger)
	if err != nil {
		log.Fatalf("[server] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	// *sqlite.Store satisfies model.Store, query.SeriesLister and
	// query.SnapshotReader at once, so the surface is read-only over the
	// same archive cmd/ingest and cmd/realtime write to.
	surface := query.New(store, store, store)

	mux := http.NewServeMux()
	query.RegisterRoutes(mux, surface)

	srv := &http.Server{Addr: cfg.QueryAddr, Handler: requestLogger(prom, mux)}

	go func() {
		slogger.Info("query surface listening", slog.String("addr", cfg.QueryAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("server error", slog.Any("err", err))
		}
	}()

	<-sigCh
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

// requestLogger wraps next to record per-request duration and count
// against the query_requests_total / query_request_duration_seconds
// metrics, labeled by route.
func requestLogger(prom *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		outcome := "ok"
		if rec.status >= 400 {
			outcome = "error"
		}
		prom.QueryRequestsTotal.WithLabelValues(r.URL.Path, outcome).Inc()
		prom.QueryRequestDur.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
