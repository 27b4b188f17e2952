package model

import "context"

// Store is the durable, sorted-by-open_time candle archive plus the
// per-series completion status table (spec §4.1). Implementations must
// serialize writers per series and let readers observe row-level
// consistent snapshots.
type Store interface {
	// InsertCandles is idempotent: existing (provider, symbol, timeframe,
	// open_time) rows are left untouched. The whole batch commits
	// atomically. Returns the number of genuinely new rows.
	InsertCandles(ctx context.Context, candles []Candle) (inserted int, err error)

	// RangeQuery returns candles with startMS <= open_time <= endMS,
	// ascending, truncated to limit. nil bounds mean "earliest"/"now".
	RangeQuery(ctx context.Context, series Series, startMS, endMS *int64, limit int) ([]Candle, error)

	// MaxOpenTime returns the largest stored open_time for series, or
	// ok=false if the series has no rows.
	MaxOpenTime(ctx context.Context, series Series) (openTime int64, ok bool, err error)

	// MinOpenTime returns the smallest stored open_time for series, or
	// ok=false if the series has no rows.
	MinOpenTime(ctx context.Context, series Series) (openTime int64, ok bool, err error)

	SetStatus(ctx context.Context, status TimeframeStatus) error
	GetStatus(ctx context.Context, series Series) (TimeframeStatus, bool, error)

	Close() error
}

// CandleUpdate is one message delivered by an ExchangeClient subscription:
// the current state of the in-progress candle for a period, plus whether
// it has just closed.
type CandleUpdate struct {
	Candle
	IsClosed bool
}

// ExchangeClient is the dispatch boundary to the single upstream
// provider (spec §4.3, §9). A test double satisfies this interface
// deterministically without a network dependency.
type ExchangeClient interface {
	// FetchClosed returns up to limit closed candles with
	// open_time < endTimeMS, ascending. May return fewer than limit,
	// including zero, meaning no older data exists. Never returns a
	// candle with close_time > now.
	FetchClosed(ctx context.Context, symbol, timeframe string, endTimeMS int64, limit int) ([]Candle, error)

	// Subscribe opens a live stream of CandleUpdates for (symbol,
	// timeframe). The returned channel is closed when ctx is cancelled
	// or the subscription is torn down permanently.
	Subscribe(ctx context.Context, symbol, timeframe string) (<-chan CandleUpdate, error)
}
