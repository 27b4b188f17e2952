package indicator

import (
	"context"
	"sync"

	"candlevault/internal/model"
)

// IndicatorConfig specifies one indicator the engine keeps for every
// series it sees. Unlike the teacher's per-timeframe config table,
// this archive already carries the timeframe inside the series
// identity (spec §3), so one config list applies uniformly across
// every (symbol, timeframe) the engine is asked to track.
type IndicatorConfig struct {
	Type   string // "RSI", "SMA", "EMA", "SMMA"
	Period int
}

// Result is one indicator's value for one series at one candle.
type Result struct {
	Series   model.Series
	Name     string
	Value    float64
	OpenTime int64
	Ready    bool
	Live     bool // true when computed via Peek on a not-yet-closed candle
}

// Update is one closed candle to feed into the engine, tagged with its
// series identity.
type Update struct {
	Series model.Series
	Candle model.Candle
}

// seriesIndicators holds live indicator instances for one series.
type seriesIndicators struct {
	indicators []Indicator
}

// Engine computes the configured indicators for every series it is fed
// candles for, keyed by (provider, symbol, timeframe). It is safe for
// concurrent use: the ingestion backfill and the realtime merger may
// both feed it from different goroutines, one per series.
type Engine struct {
	configs []IndicatorConfig

	mu    sync.Mutex
	state map[string]*seriesIndicators
}

// NewEngine creates an indicator engine computing configs for every
// series it sees.
func NewEngine(configs []IndicatorConfig) *Engine {
	return &Engine{
		configs: configs,
		state:   make(map[string]*seriesIndicators),
	}
}

// Process feeds a newly-closed candle for series and returns the
// updated indicator results (some may have Ready=false).
func (e *Engine) Process(series model.Series, candle model.Candle) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := series.Key()
	si, ok := e.state[key]
	if !ok {
		si = e.newSeriesIndicators()
		e.state[key] = si
	}

	results := make([]Result, 0, len(si.indicators))
	for _, ind := range si.indicators {
		ind.Update(candle)
		results = append(results, Result{
			Series: series, Name: ind.Name(), Value: ind.Value(),
			OpenTime: candle.OpenTime, Ready: ind.Ready(),
		})
	}
	return results
}

// ProcessPeek computes live indicator values for a still-forming
// candle via Peek, without mutating engine state. Returns nil if the
// series hasn't been seeded by a closed candle yet.
func (e *Engine) ProcessPeek(series model.Series, openTime int64, close float64) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	si, ok := e.state[series.Key()]
	if !ok {
		return nil
	}

	results := make([]Result, 0, len(si.indicators))
	for _, ind := range si.indicators {
		results = append(results, Result{
			Series: series, Name: ind.Name(), Value: ind.Peek(close),
			OpenTime: openTime, Ready: ind.Ready(), Live: true,
		})
	}
	return results
}

// Run consumes Updates and emits Results until ctx is done or in is
// closed. A full resultCh drops the result rather than blocking,
// matching the realtime fan-out's own backpressure policy (spec §5).
func (e *Engine) Run(ctx context.Context, in <-chan Update, resultCh chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			for _, r := range e.Process(u.Series, u.Candle) {
				select {
				case resultCh <- r:
				default:
				}
			}
		}
	}
}

func (e *Engine) newSeriesIndicators() *seriesIndicators {
	inds := make([]Indicator, len(e.configs))
	for i, cfg := range e.configs {
		inds[i] = newIndicator(cfg)
	}
	return &seriesIndicators{indicators: inds}
}

func newIndicator(cfg IndicatorConfig) Indicator {
	switch cfg.Type {
	case "SMA":
		return NewSMA(cfg.Period)
	case "EMA":
		return NewEMA(cfg.Period)
	case "SMMA":
		return NewSMMA(cfg.Period)
	case "RSI":
		return NewRSI(cfg.Period)
	default:
		return NewRSI(cfg.Period)
	}
}
