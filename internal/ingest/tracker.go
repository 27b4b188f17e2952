package ingest

import (
	"context"
	"time"

	"candlevault/internal/model"
)

// State is the Completion Tracker's per-series state (spec §4.6): two
// non-terminal states and one terminal state, write-through to the
// Store after every batch commit.
type State int

const (
	StateUnknown State = iota
	StatePartial
	StateComplete
)

// Tracker reads and writes per-series completion status. It holds no
// state of its own — the Store record is the source of truth, so
// concurrent engines across process restarts never disagree.
type Tracker struct {
	store model.Store
}

// NewTracker wraps store as a Completion Tracker.
func NewTracker(store model.Store) *Tracker {
	return &Tracker{store: store}
}

// Load reads the current state for series.
func (t *Tracker) Load(ctx context.Context, series model.Series) (State, model.TimeframeStatus, error) {
	status, ok, err := t.store.GetStatus(ctx, series)
	if err != nil {
		return StateUnknown, model.TimeframeStatus{}, err
	}
	if !ok {
		return StateUnknown, model.TimeframeStatus{}, nil
	}
	if status.IsComplete {
		return StateComplete, status, nil
	}
	return StatePartial, status, nil
}

// MarkPartial records the series as in-progress with the given oldest
// stored candle time.
func (t *Tracker) MarkPartial(ctx context.Context, series model.Series, oldestMS int64) error {
	return t.store.SetStatus(ctx, model.TimeframeStatus{
		Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe,
		OldestCandleTime: oldestMS, HasOldest: true,
		IsComplete:  false,
		LastUpdated: time.Now().UnixMilli(),
	})
}

// MarkComplete records the series as terminally complete. Once set,
// only an operator-forced re-ingestion clears it (spec §4.6); this
// package never does so automatically.
func (t *Tracker) MarkComplete(ctx context.Context, series model.Series, oldestMS int64, reason model.CompletionReason) error {
	return t.store.SetStatus(ctx, model.TimeframeStatus{
		Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe,
		OldestCandleTime: oldestMS, HasOldest: true,
		IsComplete:  true,
		Reason:      reason,
		LastUpdated: time.Now().UnixMilli(),
	})
}
