// Package ingest implements the historical ingestion engine and its
// completion tracker (spec §4.4, §4.6): resumable, idempotent,
// backward-paginated backfill of one (symbol, timeframe) series at a
// time, healing intra-batch gaps as it goes. The per-series procedure
// and its end-of-run summary follow the teacher pack's batch-fetch
// service shape (semaphore-bounded fan-out, per-item result channel,
// aggregated summary) — that repo resamples to a fixed candle
// interval; this one paginates backward through exchange history.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"candlevault/internal/gapfill"
	"candlevault/internal/model"
	"candlevault/internal/period"
)

// BatchSize is the number of candles requested per fetch_closed call
// (spec §4.4 step 4a).
const BatchSize = 1000

// Request names the series to ingest and the operator-supplied options
// (spec §6 "Operator controls").
type Request struct {
	Provider  string
	Symbol    string
	Timeframe string

	// FloorMS is the inclusive lower bound below which ingestion stops
	// (spec §4.4 step 3). Zero means "all available history".
	FloorMS int64

	// Force bypasses the completion-skip gate without clearing the
	// stored cursor (spec §4.4 step 1, tie-break notes).
	Force bool
}

func (r Request) series() model.Series {
	return model.Series{Provider: r.Provider, Symbol: r.Symbol, Timeframe: r.Timeframe}
}

// Result summarizes one series' ingestion run (spec §4.4 step 5).
type Result struct {
	Series              model.Series
	BatchesFetched       int
	CandlesInserted      int
	CandlesInterpolated int
	Skipped              bool
	Err                   error
}

// Engine runs the ingestion procedure against a Store and an
// ExchangeClient.
type Engine struct {
	Store    model.Store
	Exchange model.ExchangeClient
	Tracker  *Tracker
	Log      *slog.Logger

	// Now returns the current wall-clock time in unix ms. Overridable
	// for deterministic tests.
	Now func() int64
}

// NewEngine builds an Engine wired to store and client.
func NewEngine(store model.Store, client model.ExchangeClient, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Store:    store,
		Exchange: client,
		Tracker:  NewTracker(store),
		Log:      log,
		Now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Run executes the ingestion procedure for a single series.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	series := model.Series{Provider: req.Provider, Symbol: req.Symbol, Timeframe: req.Timeframe}
	result := Result{Series: series}
	log := e.Log.With(slog.String("series", series.Key()))

	periodMS, err := period.MS(req.Timeframe)
	if err != nil {
		result.Err = err
		return result
	}

	// 1. Admission.
	state, _, err := e.Tracker.Load(ctx, series)
	if err != nil {
		result.Err = err
		return result
	}
	if state == StateComplete && !req.Force {
		log.Info("series already complete, skipping")
		result.Skipped = true
		return result
	}

	// 2. Cursor initialisation: resume from the stored minimum whenever
	// one exists. Force only bypasses the completion-skip gate above —
	// it never resets the cursor; an operator must explicitly clear a
	// series to restart it from now_ms (spec §4.4 step 2 and its force
	// tie-break note).
	var cursor int64
	min, hasCandles, err := e.Store.MinOpenTime(ctx, series)
	if err != nil {
		result.Err = err
		return result
	}
	if hasCandles {
		cursor = min
	} else {
		cursor = e.Now()
	}

	// 3. Floor: a floor in the future collapses to "now" (no-op guard).
	floorMS := req.FloorMS
	if floorMS > e.Now() {
		floorMS = e.Now()
	}

	// 4. Batch loop.
	for {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		originalCursor := cursor

		var batch []model.Candle
		fetchErr := withRetry(ctx, func() error {
			b, err := e.Exchange.FetchClosed(ctx, req.Symbol, req.Timeframe, cursor, BatchSize)
			if err != nil {
				return err
			}
			batch = b
			return nil
		})
		if fetchErr != nil {
			result.Err = fetchErr
			return result
		}
		result.BatchesFetched++

		// 4b. Empty batch — exchange exhausted.
		if len(batch) == 0 {
			if err := e.Tracker.MarkComplete(ctx, series, originalCursor, model.ReasonExhausted); err != nil {
				result.Err = err
				return result
			}
			log.Info("series complete", slog.String("reason", string(model.ReasonExhausted)))
			break
		}

		// Tie-break: discard any candle that didn't actually move the
		// cursor backward (sanity guard against provider mis-ordering).
		batch = discardAtOrAfter(batch, originalCursor)
		if len(batch) == 0 {
			result.Err = nil
			break
		}

		// 4c. Persist.
		inserted, err := e.Store.InsertCandles(ctx, batch)
		if err != nil {
			result.Err = err
			return result
		}
		result.CandlesInserted += inserted

		// 4d. Oldest in batch.
		oldestInBatch := batch[0].OpenTime

		// 4e. Gap-fill the interval this batch just covered.
		interpolated, err := gapfill.Fill(ctx, e.Store, series, periodMS, oldestInBatch, originalCursor-1, log)
		if err != nil {
			result.Err = err
			return result
		}
		result.CandlesInterpolated += interpolated

		// 4f. Write-through status update.
		if err := e.Tracker.MarkPartial(ctx, series, oldestInBatch); err != nil {
			result.Err = err
			return result
		}

		// 4g. Floor reached.
		if oldestInBatch <= floorMS {
			if err := e.Tracker.MarkComplete(ctx, series, oldestInBatch, model.ReasonFloorReached); err != nil {
				result.Err = err
				return result
			}
			log.Info("series complete", slog.String("reason", string(model.ReasonFloorReached)))
			break
		}

		// 4h. Advance cursor.
		cursor = oldestInBatch
	}

	return result
}

// HealWindow fetches and persists closed candles in the narrow,
// inclusive-exclusive window [fromMS, toMS), gap-filling any holes it
// finds, without touching the series' completion status. It is a
// single bounded pass, not the resumable batch loop Run implements —
// used by the realtime merger to close a reconnect gap before resuming
// live delivery (spec §4.7).
func (e *Engine) HealWindow(ctx context.Context, series model.Series, fromMS, toMS int64) (Result, error) {
	result := Result{Series: series}
	periodMS, err := period.MS(series.Timeframe)
	if err != nil {
		return result, err
	}

	cursor := toMS
	for cursor > fromMS {
		var batch []model.Candle
		fetchErr := withRetry(ctx, func() error {
			b, err := e.Exchange.FetchClosed(ctx, series.Symbol, series.Timeframe, cursor, BatchSize)
			if err != nil {
				return err
			}
			batch = b
			return nil
		})
		if fetchErr != nil {
			return result, fetchErr
		}
		result.BatchesFetched++
		if len(batch) == 0 {
			break
		}

		batch = discardAtOrAfter(batch, cursor)
		batch = discardBefore(batch, fromMS)
		if len(batch) == 0 {
			break
		}

		inserted, err := e.Store.InsertCandles(ctx, batch)
		if err != nil {
			return result, err
		}
		result.CandlesInserted += inserted

		oldestInBatch := batch[0].OpenTime
		interpolated, err := gapfill.Fill(ctx, e.Store, series, periodMS, oldestInBatch, cursor-1, e.Log)
		if err != nil {
			return result, err
		}
		result.CandlesInterpolated += interpolated

		if oldestInBatch <= fromMS {
			break
		}
		cursor = oldestInBatch
	}
	return result, nil
}

// discardBefore drops any candle whose open_time is strictly less than
// floorMS.
func discardBefore(batch []model.Candle, floorMS int64) []model.Candle {
	out := batch[:0:0]
	for _, c := range batch {
		if c.OpenTime >= floorMS {
			out = append(out, c)
		}
	}
	return out
}

// discardAtOrAfter drops any candle whose open_time is not strictly
// less than cursor (spec §4.4 tie-break notes).
func discardAtOrAfter(batch []model.Candle, cursor int64) []model.Candle {
	out := batch[:0:0]
	for _, c := range batch {
		if c.OpenTime < cursor {
			out = append(out, c)
		}
	}
	return out
}
