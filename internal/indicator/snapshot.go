package indicator

import (
	"fmt"

	"candlevault/internal/model"
)

// Snapshottable is implemented by indicators that support state serialization.
type Snapshottable interface {
	Indicator
	Snapshot() IndicatorSnapshot
	RestoreFromSnapshot(snap IndicatorSnapshot) error
}

// IndicatorSnapshot holds the serialized state of a single indicator instance.
type IndicatorSnapshot struct {
	Type   string `json:"type"`   // "SMA", "EMA", "SMMA", "RSI"
	Period int    `json:"period"`

	// SMA fields
	Buf     []float64 `json:"buf,omitempty"`
	Idx     int       `json:"idx,omitempty"`
	Count   int       `json:"count"`
	Sum     float64   `json:"sum,omitempty"`
	Current float64   `json:"current"`

	// EMA fields
	Multiplier float64 `json:"multiplier,omitempty"`

	// RSI fields
	PrevClose float64 `json:"prev_close,omitempty"`
	AvgGain   float64 `json:"avg_gain,omitempty"`
	AvgLoss   float64 `json:"avg_loss,omitempty"`
}

// SeriesSnapshot holds every indicator's serialized state for one
// series, the unit the engine checkpoints at (each checkpoint is one
// row keyed by series in the Store's indicator_snapshots table, rather
// than one row for the whole engine — a process restart only needs to
// warm the series it resumes, not every series anyone has ever tracked).
type SeriesSnapshot struct {
	Indicators []IndicatorSnapshot `json:"indicators"`
	Version    int                 `json:"version"`
}

// SnapshotSeries captures the current indicator state for series. ok
// is false if the engine has never processed a candle for series.
func (e *Engine) SnapshotSeries(series model.Series) (snap SeriesSnapshot, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	si, exists := e.state[series.Key()]
	if !exists {
		return SeriesSnapshot{}, false, nil
	}

	snap = SeriesSnapshot{Version: 1, Indicators: make([]IndicatorSnapshot, 0, len(si.indicators))}
	for _, ind := range si.indicators {
		snappable, ok := ind.(Snapshottable)
		if !ok {
			return SeriesSnapshot{}, false, fmt.Errorf("indicator: %s does not implement Snapshottable", ind.Name())
		}
		snap.Indicators = append(snap.Indicators, snappable.Snapshot())
	}
	return snap, true, nil
}

// RestoreSeries seeds series' indicator state from snap, matching
// indicators to the engine's current configs by Type+Period. A config
// with no matching entry in snap starts cold; a snapshot entry with no
// matching current config is dropped. Tolerant of config drift between
// the checkpoint and the running engine, same policy as the teacher's
// RestoreEngine.
func (e *Engine) RestoreSeries(series model.Series, snap SeriesSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lookup := make(map[string]IndicatorSnapshot, len(snap.Indicators))
	for _, s := range snap.Indicators {
		lookup[snapshotKey(s.Type, s.Period)] = s
	}

	si := e.newSeriesIndicators()
	for i, cfg := range e.configs {
		found, ok := lookup[snapshotKey(cfg.Type, cfg.Period)]
		if !ok {
			continue // new indicator since the checkpoint — stays cold
		}
		snappable, ok := si.indicators[i].(Snapshottable)
		if !ok {
			continue
		}
		if err := snappable.RestoreFromSnapshot(found); err != nil {
			continue
		}
	}
	e.state[series.Key()] = si
}

func snapshotKey(typ string, period int) string {
	return typ + ":" + itoa(period)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
