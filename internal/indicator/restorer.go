package indicator

import (
	"context"
	"encoding/json"
	"log/slog"

	"candlevault/internal/model"
	"candlevault/internal/period"
)

// SnapshotStore is the persistence backend for indicator checkpoints,
// satisfied by *sqlite.Store's snapshot methods. Kept as a narrow
// interface (rather than widening model.Store) since checkpointing is
// an indicator-package concern, not a Store invariant every backend
// must implement.
type SnapshotStore interface {
	SaveSnapshotJSON(ctx context.Context, seriesKey string, data []byte) error
	ReadLatestSnapshotJSON(ctx context.Context, seriesKey string) ([]byte, error)
}

// Restorer orchestrates indicator engine checkpoint/restore and
// candle-backfill warm-up for one series at a time, following the
// teacher's priority chain (snapshot → backfill → cold start) adapted
// from a Redis-then-SQLite chain to a single SQLite-backed one, since
// this archive has one durable store, not two.
type Restorer struct {
	snapshots SnapshotStore
	log       *slog.Logger
}

// NewRestorer builds a Restorer checkpointing through snapshots.
func NewRestorer(snapshots SnapshotStore, log *slog.Logger) *Restorer {
	if log == nil {
		log = slog.Default()
	}
	return &Restorer{snapshots: snapshots, log: log}
}

// Restore seeds engine's state for series from the latest checkpoint,
// if one exists. Leaves the series cold (no-op) if none is found or
// the checkpoint fails to decode — the engine will simply warm up from
// scratch as candles arrive.
func (r *Restorer) Restore(ctx context.Context, engine *Engine, series model.Series) {
	data, err := r.snapshots.ReadLatestSnapshotJSON(ctx, series.Key())
	if err != nil {
		r.log.Warn("read indicator snapshot failed", slog.String("series", series.Key()), slog.Any("err", err))
		return
	}
	if data == nil {
		return
	}

	var snap SeriesSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.log.Warn("decode indicator snapshot failed", slog.String("series", series.Key()), slog.Any("err", err))
		return
	}
	engine.RestoreSeries(series, snap)
	r.log.Info("restored indicator state", slog.String("series", series.Key()))
}

// Checkpoint persists engine's current state for series. A no-op if
// the engine has never processed a candle for that series.
func (r *Restorer) Checkpoint(ctx context.Context, engine *Engine, series model.Series) error {
	snap, ok, err := engine.SnapshotSeries(series)
	if err != nil || !ok {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.snapshots.SaveSnapshotJSON(ctx, series.Key(), data)
}

// Backfill reads the most recent candles for series from store (enough
// to warm up every configured indicator's longest period) and feeds
// them through engine.Process, so a cold-started series doesn't have
// to wait `period` live candles before its RSI/SMA/EMA/SMMA go Ready.
func (r *Restorer) Backfill(ctx context.Context, engine *Engine, store model.Store, series model.Series, maxPeriod int) (int, error) {
	if maxPeriod <= 0 {
		return 0, nil
	}

	maxOpen, ok, err := store.MaxOpenTime(ctx, series)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	periodMS, err := period.MS(series.Timeframe)
	if err != nil {
		return 0, err
	}

	start := maxOpen - int64(maxPeriod)*periodMS
	if start < 0 {
		start = 0
	}
	candles, err := store.RangeQuery(ctx, series, &start, &maxOpen, maxPeriod+1)
	if err != nil {
		return 0, err
	}

	for _, c := range candles {
		engine.Process(series, c)
	}
	if len(candles) > 0 {
		r.log.Info("backfilled indicator warm-up", slog.String("series", series.Key()), slog.Int("candles", len(candles)))
	}
	return len(candles), nil
}
