// Package fake is a deterministic model.ExchangeClient test double,
// grounded on the teacher's cmd/tickserver synthetic price walk and
// internal/marketdata/wssim ingest shape but adapted to the
// request/response and subscribe shapes this archive's ExchangeClient
// interface needs, with no network or WebSocket server involved.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"candlevault/internal/model"
	"candlevault/internal/period"
)

// Client is a synthetic exchange with a configurable history floor,
// useful for exercising ingestion, gap-fill, and completion-tracking
// logic without network access.
type Client struct {
	// Provider is the provider name stamped onto generated candles.
	Provider string

	// FloorMS bounds the exchange's history: FetchClosed returns only
	// candles with open_time strictly after it, and an empty batch once
	// that history runs out (which the engine records as an
	// exchange-exhausted completion).
	FloorMS int64

	// BasePrice seeds the deterministic price walk.
	BasePrice float64

	// TickInterval paces Subscribe's synthetic in-progress updates.
	// Defaults to 200ms.
	TickInterval time.Duration

	mu   sync.Mutex
	subs map[string]int
}

// New builds a fake Client with floorMS as the earliest available
// open_time.
func New(provider string, floorMS int64, basePrice float64) *Client {
	return &Client{Provider: provider, FloorMS: floorMS, BasePrice: basePrice, subs: map[string]int{}}
}

// FetchClosed deterministically generates up to limit closed candles
// with open_time < endTimeMS, stopping at FloorMS.
func (c *Client) FetchClosed(ctx context.Context, symbol, timeframe string, endTimeMS int64, limit int) ([]model.Candle, error) {
	periodMS, err := period.MS(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	aligned := period.Align(endTimeMS, periodMS)
	if aligned >= endTimeMS {
		aligned -= periodMS
	}

	var out []model.Candle
	for ot := aligned; ot > c.FloorMS && len(out) < limit; ot -= periodMS {
		out = append(out, c.synthesize(symbol, timeframe, ot, periodMS))
	}
	// ascending
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Client) synthesize(symbol, timeframe string, openTime, periodMS int64) model.Candle {
	// Deterministic pseudo-random walk keyed only by open_time, so
	// repeated fetches of the same candle are byte-identical.
	phase := float64(openTime/periodMS) * 0.37
	wave := math.Sin(phase) * (c.BasePrice * 0.01)
	open := c.BasePrice + wave
	high := open + math.Abs(math.Sin(phase*1.3))*c.BasePrice*0.002
	low := open - math.Abs(math.Cos(phase*1.7))*c.BasePrice*0.002
	closePrice := open + math.Sin(phase*2.1)*c.BasePrice*0.001

	return model.Candle{
		Provider:  c.Provider,
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  openTime,
		CloseTime: openTime + periodMS - 1,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    100 + math.Abs(wave),
	}
}

// Subscribe emits a synthetic in-progress candle for the current
// period, ticking every TickInterval, and marks it closed the instant
// the next period boundary is crossed.
func (c *Client) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan model.CandleUpdate, error) {
	periodMS, err := period.MS(timeframe)
	if err != nil {
		return nil, err
	}
	interval := c.TickInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	out := make(chan model.CandleUpdate, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		currentOpen := period.Align(time.Now().UnixMilli(), periodMS)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UnixMilli()
				boundary := period.Align(now, periodMS)
				if boundary != currentOpen {
					closed := c.synthesize(symbol, timeframe, currentOpen, periodMS)
					select {
					case out <- model.CandleUpdate{Candle: closed, IsClosed: true}:
					case <-ctx.Done():
						return
					}
					currentOpen = boundary
				}
				partial := c.synthesize(symbol, timeframe, currentOpen, periodMS)
				partial.CloseTime = now
				select {
				case out <- model.CandleUpdate{Candle: partial, IsClosed: false}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
