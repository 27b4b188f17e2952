// Package period provides timeframe parsing and period-aligned time
// arithmetic shared by ingestion, gap-fill, and the realtime merger.
//
// The alignment idiom (bucket := ts - ts%period) is the same one the
// teacher's tfbuilder uses to resample ticks into fixed buckets; here it
// is generalized from a single hard-coded second-granularity resampler
// to the m/h/d timeframe strings this archive stores.
package period

import (
	"fmt"
	"strconv"
)

// MS returns the period length of timeframe in milliseconds.
// Accepted forms: "<N>m" (minutes), "<N>h" (hours), "<N>d" (days).
func MS(timeframe string) (int64, error) {
	if len(timeframe) < 2 {
		return 0, fmt.Errorf("period: invalid timeframe %q", timeframe)
	}
	unit := timeframe[len(timeframe)-1]
	n, err := strconv.Atoi(timeframe[:len(timeframe)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("period: invalid timeframe %q", timeframe)
	}

	var secs int64
	switch unit {
	case 'm':
		secs = 60
	case 'h':
		secs = 3600
	case 'd':
		secs = 86400
	default:
		return 0, fmt.Errorf("period: unknown unit %q in timeframe %q", unit, timeframe)
	}
	return secs * int64(n) * 1000, nil
}

// MustMS panics on an invalid timeframe. Reserved for call sites (tests,
// config validation) that have already validated the string once.
func MustMS(timeframe string) int64 {
	ms, err := MS(timeframe)
	if err != nil {
		panic(err)
	}
	return ms
}

// Align returns the period-aligned bucket start at or before ts (unix ms).
func Align(ts, periodMS int64) int64 {
	return ts - (ts % periodMS)
}

// Less reports whether timeframe a has a strictly shorter period than b,
// giving timeframes a total order by period length (spec §4.2).
func Less(a, b string) (bool, error) {
	msA, err := MS(a)
	if err != nil {
		return false, err
	}
	msB, err := MS(b)
	if err != nil {
		return false, err
	}
	return msA < msB, nil
}

// BackwardStep returns how far (in ms) the cursor moves in one backward
// pagination step of batchSize candles at the given period.
func BackwardStep(batchSize int, periodMS int64) int64 {
	return int64(batchSize) * periodMS
}
