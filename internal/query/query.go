// Package query implements the read-side Query Surface (spec §4.8): a
// thin, state-free layer over model.Store that applies the surface's
// own defaulting rules before delegating to Store.RangeQuery.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"candlevault/internal/indicator"
	"candlevault/internal/model"
	"candlevault/internal/period"
)

// DefaultLimit is the query surface's default page size when the
// caller doesn't specify one.
const DefaultLimit = 5000

// SeriesLister lists every series the archive has ever tracked, backing
// the pairs() endpoint. Satisfied by *sqlite.Store; kept separate from
// model.Store since it is a query-surface concern, not a Store
// invariant any backend must provide.
type SeriesLister interface {
	ListSeries(ctx context.Context) ([]model.Series, error)
}

// SnapshotReader reads the indicator engine's latest per-series
// checkpoint, backing the indicators() endpoint. Satisfied by
// *sqlite.Store.
type SnapshotReader interface {
	ReadLatestSnapshotJSON(ctx context.Context, seriesKey string) ([]byte, error)
}

// Surface is the query surface described in spec §4.8 and §6. It never
// mutates state.
type Surface struct {
	Store     model.Store
	Lister    SeriesLister
	Snapshots SnapshotReader
}

// New builds a Surface over store, which must also implement
// SeriesLister and SnapshotReader (true of *sqlite.Store) for Pairs and
// Indicators to function.
func New(store model.Store, lister SeriesLister, snapshots SnapshotReader) *Surface {
	return &Surface{Store: store, Lister: lister, Snapshots: snapshots}
}

// Candles implements candles(symbol, tf, start?, end?, limit=5000) →
// seq<Candle>. When neither start nor end is given, it returns the
// newest `limit` candles (spec §4.8's "conservative default") rather
// than Store.RangeQuery's own nil-bounds meaning of "earliest through
// now", since the query surface and the Store answer different
// questions with the same nil sentinel.
func (s *Surface) Candles(ctx context.Context, series model.Series, startMS, endMS *int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if startMS == nil && endMS == nil {
		return s.newestN(ctx, series, limit)
	}
	return s.Store.RangeQuery(ctx, series, startMS, endMS, limit)
}

// newestN returns the most recent `limit` candles, ascending, by
// walking back `limit` periods from the series' max open_time and
// delegating to RangeQuery for the actual fetch.
func (s *Surface) newestN(ctx context.Context, series model.Series, limit int) ([]model.Candle, error) {
	maxOpen, ok, err := s.Store.MaxOpenTime(ctx, series)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	periodMS, err := period.MS(series.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	start := maxOpen - int64(limit-1)*periodMS
	if start < 0 {
		start = 0
	}
	return s.Store.RangeQuery(ctx, series, &start, &maxOpen, limit)
}

// Pairs implements pairs() → seq<Series>: every (provider, symbol,
// timeframe) triple the archive has ever tracked status for.
func (s *Surface) Pairs(ctx context.Context) ([]model.Series, error) {
	if s.Lister == nil {
		return nil, nil
	}
	return s.Lister.ListSeries(ctx)
}

// Indicators returns the most recently checkpointed indicator values
// for series (RSI/SMA/EMA/SMMA, per the configured engine), ok=false if
// no checkpoint has ever been written for it. Checkpoints are stored in
// the archive, so one written before a process restart is still served.
func (s *Surface) Indicators(ctx context.Context, series model.Series) (snap indicator.SeriesSnapshot, ok bool, err error) {
	if s.Snapshots == nil {
		return indicator.SeriesSnapshot{}, false, nil
	}
	data, err := s.Snapshots.ReadLatestSnapshotJSON(ctx, series.Key())
	if err != nil {
		return indicator.SeriesSnapshot{}, false, err
	}
	if data == nil {
		return indicator.SeriesSnapshot{}, false, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return indicator.SeriesSnapshot{}, false, fmt.Errorf("query: decode indicator snapshot: %w", err)
	}
	return snap, true, nil
}
