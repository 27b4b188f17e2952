// Package gapfill detects holes in a stored candle series and closes
// them with linearly interpolated candles, flagged so nothing downstream
// mistakes them for exchange-sourced data. The gap-scan-and-fill shape
// follows the teacher pack's historical_data_manager findMissingGaps
// (cache-then-fetch-then-fill), generalized from "fetch the gap from
// the exchange" to "interpolate between the two real neighbours",
// since the ingestion engine already guarantees both boundary candles
// exist before gap-fill runs (spec §4.4 step 4e).
package gapfill

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"candlevault/internal/model"
)

// AlertThreshold is the gap width (in missing candles) above which Fill
// logs a warning for operator visibility, rather than refusing to fill.
const AlertThreshold = 12

// InvariantError marks a stored-candle invariant violation the Gap
// Filler refuses to paper over: a non-aligned timestamp pair, a
// negative/zero-width gap, or an OHLC bound violation on real
// (non-interpolated) exchange data (spec §7: "Invariant ... Surfaced
// as SeriesFailed; never swallowed").
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string { return fmt.Sprintf("gapfill: invariant: %s: %v", e.Op, e.Err) }
func (e *InvariantError) Unwrap() error { return e.Err }

// Invariant wraps err as a non-retriable InvariantError.
func Invariant(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InvariantError{Op: op, Err: err}
}

// Fill ensures every period-aligned open_time in [loMS, hiMS] has a
// stored candle for series, inserting linearly interpolated candles
// for any holes found between consecutive stored candles.
//
// Returns the number of synthetic candles inserted.
func Fill(ctx context.Context, st model.Store, series model.Series, periodMS, loMS, hiMS int64, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}

	// Size the read to every aligned slot in [loMS, hiMS] so the scan is
	// not cut short by the Store's default page size.
	limit := int((hiMS-loMS)/periodMS) + 1
	existing, err := st.RangeQuery(ctx, series, &loMS, &hiMS, limit)
	if err != nil {
		return 0, err
	}
	if len(existing) < 2 {
		return 0, nil
	}

	var synthetic []model.Candle
	for i := 0; i+1 < len(existing); i++ {
		a, b := existing[i], existing[i+1]

		diff := b.OpenTime - a.OpenTime
		if diff <= 0 || diff%periodMS != 0 {
			return 0, Invariant("fill", fmt.Errorf("non-aligned candle pair at open_time %d, %d (period %d)", a.OpenTime, b.OpenTime, periodMS))
		}
		if !a.Interpolated {
			if err := checkOHLCBounds(a); err != nil {
				return 0, Invariant("fill", fmt.Errorf("open_time %d: %w", a.OpenTime, err))
			}
		}
		if !b.Interpolated {
			if err := checkOHLCBounds(b); err != nil {
				return 0, Invariant("fill", fmt.Errorf("open_time %d: %w", b.OpenTime, err))
			}
		}

		gap := diff / periodMS
		if gap == 1 {
			continue
		}
		if gap-1 > AlertThreshold {
			log.Warn("large gap detected",
				slog.String("series", series.Key()),
				slog.Int64("from", a.OpenTime), slog.Int64("to", b.OpenTime),
				slog.Int64("missing", gap-1))
		}

		for i64 := int64(1); i64 < gap; i64++ {
			t := float64(i64) / float64(gap)
			synthetic = append(synthetic, interpolate(a, b, series, periodMS, i64, t))
		}
	}

	if len(synthetic) == 0 {
		return 0, nil
	}
	return st.InsertCandles(ctx, synthetic)
}

// checkOHLCBounds verifies low <= open,close <= high on a real,
// exchange-sourced candle (spec §8 invariant 4's bound, checked here on
// the inputs rather than just the interpolated output).
func checkOHLCBounds(c model.Candle) error {
	if c.Low > c.Open || c.Open > c.High || c.Low > c.Close || c.Close > c.High {
		return fmt.Errorf("OHLC bound violation: open=%v high=%v low=%v close=%v", c.Open, c.High, c.Low, c.Close)
	}
	return nil
}

func interpolate(a, b model.Candle, series model.Series, periodMS, i int64, t float64) model.Candle {
	lerp := func(x, y float64) float64 { return x + (y-x)*t }

	openTime := a.OpenTime + i*periodMS
	open := lerp(a.Open, b.Open)
	closePrice := lerp(a.Close, b.Close)
	high := math.Max(lerp(a.High, b.High), math.Max(open, closePrice))
	low := math.Min(lerp(a.Low, b.Low), math.Min(open, closePrice))

	trades := int64(math.Round(lerp(float64(a.NumberOfTrades), float64(b.NumberOfTrades))))
	if trades < 0 {
		trades = 0
	}

	return model.Candle{
		Provider:                series.Provider,
		Symbol:                  series.Symbol,
		Timeframe:               series.Timeframe,
		OpenTime:                openTime,
		CloseTime:               openTime + periodMS - 1,
		Open:                    open,
		High:                    high,
		Low:                     low,
		Close:                   closePrice,
		Volume:                  lerp(a.Volume, b.Volume),
		QuoteAssetVolume:        lerp(a.QuoteAssetVolume, b.QuoteAssetVolume),
		TakerBuyBaseAssetVolume: lerp(a.TakerBuyBaseAssetVolume, b.TakerBuyBaseAssetVolume),
		TakerBuyQuoteVolume:     lerp(a.TakerBuyQuoteVolume, b.TakerBuyQuoteVolume),
		NumberOfTrades:          trades,
		Interpolated:            true,
	}
}
