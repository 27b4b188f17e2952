// Package realtime implements the realtime candle merger (spec §4.7):
// one in-memory InProgressCandle per active (symbol, timeframe)
// subscription, persisting only on close and fanning every update out
// to subscribers unchanged. The per-subscription goroutine and
// reconnect-gap-heal shape is grounded on the teacher's gateway.Hub
// subscription loop, generalized from indicator/tick fan-out to candle
// merge-and-persist; the merge-on-close rule itself follows the only
// OHLCV aggregator in the pack, yitech-candles' aggregator package.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"candlevault/internal/indicator"
	"candlevault/internal/ingest"
	"candlevault/internal/model"
	"candlevault/internal/period"
)

// Publisher fans a closed or in-progress candle update out to every
// interested subscriber, in-process or cross-process (spec §4.7 step 3).
type Publisher interface {
	Publish(series model.Series, update model.CandleUpdate)
}

// Merger runs one goroutine per active subscription, keeping the
// authoritative in-progress candle and persisting only closed candles.
type Merger struct {
	store     model.Store
	exchange  model.ExchangeClient
	engine    *ingest.Engine
	publisher Publisher
	log       *slog.Logger

	indicators *indicator.Engine
	restorer   *indicator.Restorer

	mu   sync.Mutex
	subs map[string]*subscription
}

// SetIndicators wires an indicator engine into the merger: every
// closed candle is fed through engine.Process, and restorer
// checkpoints the series' indicator state right after, so a process
// restart resumes from the last closed candle rather than cold. A nil
// engine skips indicator processing entirely; a nil restorer skips only
// the checkpoint.
func (m *Merger) SetIndicators(engine *indicator.Engine, restorer *indicator.Restorer) {
	m.indicators = engine
	m.restorer = restorer
}

type subscription struct {
	series    model.Series
	cancel    context.CancelFunc
	refCount  int
	lastClose int64 // open_time of the last persisted candle, 0 if none yet

	// inProgress is the latest unclosed update, nil after a close.
	inProgress *model.InProgressCandle
}

// NewMerger builds a Merger. engine is used for synchronous reconnect
// gap-healing (spec §4.7); it may be nil, in which case gap-healing is
// skipped with a logged warning instead of blocking realtime delivery.
func NewMerger(store model.Store, exchange model.ExchangeClient, engine *ingest.Engine, publisher Publisher, log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{
		store:     store,
		exchange:  exchange,
		engine:    engine,
		publisher: publisher,
		log:       log,
		subs:      make(map[string]*subscription),
	}
}

// Subscribe increments the reference count for (symbol, timeframe),
// starting the merge goroutine on first subscriber. Call the returned
// func to unsubscribe; when the last subscriber unsubscribes, the
// stream tears down and the in-progress candle is discarded (spec §4.7
// "Cancellation").
func (m *Merger) Subscribe(ctx context.Context, series model.Series) (unsubscribe func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := series.Key()
	sub, ok := m.subs[key]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		sub = &subscription{series: series, cancel: cancel}
		if last, hasLast, err := m.lastPersisted(ctx, series); err == nil && hasLast {
			sub.lastClose = last
		}
		m.subs[key] = sub
		go m.run(subCtx, sub)
	}
	sub.refCount++

	return func() { m.unsubscribe(key) }, nil
}

func (m *Merger) unsubscribe(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok {
		return
	}
	sub.refCount--
	if sub.refCount <= 0 {
		sub.cancel()
		delete(m.subs, key)
	}
}

func (m *Merger) lastPersisted(ctx context.Context, series model.Series) (int64, bool, error) {
	return m.store.MaxOpenTime(ctx, series)
}

func (m *Merger) run(ctx context.Context, sub *subscription) {
	series := sub.series
	log := m.log.With(slog.String("series", series.Key()))

	periodMS, err := period.MS(series.Timeframe)
	if err != nil {
		log.Error("invalid timeframe", slog.Any("err", err))
		return
	}

	updates, err := m.exchange.Subscribe(ctx, series.Symbol, series.Timeframe)
	if err != nil {
		log.Error("subscribe failed", slog.Any("err", err))
		return
	}

	for update := range updates {
		if ctx.Err() != nil {
			return
		}

		// Reconnect gap-heal: the first update after a reconnect may
		// land on a candle more than one period past the last
		// persisted close.
		if sub.lastClose != 0 && update.OpenTime > sub.lastClose+periodMS {
			m.healGap(ctx, series, sub.lastClose+periodMS, update.OpenTime, log)
		}

		current := update.Candle
		sub.inProgress = &model.InProgressCandle{Candle: current, IsClosed: update.IsClosed}

		if update.IsClosed {
			if _, err := m.store.InsertCandles(ctx, []model.Candle{current}); err != nil {
				log.Error("persist closed candle failed", slog.Any("err", err))
			} else {
				sub.lastClose = current.OpenTime
			}
			if m.indicators != nil {
				m.indicators.Process(series, current)
				if m.restorer != nil {
					if err := m.restorer.Checkpoint(ctx, m.indicators, series); err != nil {
						log.Warn("indicator checkpoint failed", slog.Any("err", err))
					}
				}
			}
			sub.inProgress = nil
		}

		if m.publisher != nil {
			m.publisher.Publish(series, update)
		}
	}
}

// healGap runs the ingestion engine synchronously over the narrow
// missed window before the merger resumes emitting updates (spec §4.7
// reconnect rule).
func (m *Merger) healGap(ctx context.Context, series model.Series, fromMS, toMS int64, log *slog.Logger) {
	if m.engine == nil {
		log.Warn("reconnect gap detected but no ingestion engine wired, skipping heal",
			slog.Int64("from", fromMS), slog.Int64("to", toMS))
		return
	}
	log.Info("healing reconnect gap", slog.Int64("from", fromMS), slog.Int64("to", toMS))
	if _, err := m.engine.HealWindow(ctx, series, fromMS, toMS); err != nil {
		log.Error("reconnect gap heal failed", slog.Any("err", err))
	}
}
