package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"candlevault/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSeries() model.Series {
	return model.Series{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1m"}
}

func TestInsertCandles_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	series := sampleSeries()

	batch := []model.Candle{
		{Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe, OpenTime: 1000, CloseTime: 1999, Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe, OpenTime: 2000, CloseTime: 2999, Open: 1.5, High: 2.5, Low: 1, Close: 2},
	}

	n, err := s.InsertCandles(ctx, batch)
	if err != nil {
		t.Fatalf("InsertCandles: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	n, err = s.InsertCandles(ctx, batch)
	if err != nil {
		t.Fatalf("InsertCandles (repeat): %v", err)
	}
	if n != 0 {
		t.Fatalf("repeat inserted = %d, want 0", n)
	}
}

func TestRangeQuery_BoundsAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	series := sampleSeries()

	var batch []model.Candle
	for i := int64(0); i < 10; i++ {
		ot := 1000 + i*60_000
		batch = append(batch, model.Candle{
			Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe,
			OpenTime: ot, CloseTime: ot + 59_999, Open: 1, High: 1, Low: 1, Close: 1,
		})
	}
	if _, err := s.InsertCandles(ctx, batch); err != nil {
		t.Fatalf("InsertCandles: %v", err)
	}

	got, err := s.RangeQuery(ctx, series, nil, nil, 5)
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].OpenTime != 1000 {
		t.Errorf("first open_time = %d, want 1000 (ascending)", got[0].OpenTime)
	}

	lo, hi := int64(1000+2*60_000), int64(1000+4*60_000)
	got, err = s.RangeQuery(ctx, series, &lo, &hi, 100)
	if err != nil {
		t.Fatalf("RangeQuery bounded: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("bounded len = %d, want 3", len(got))
	}
}

func TestMinMaxOpenTime_Empty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, ok, err := s.MaxOpenTime(ctx, sampleSeries())
	if err != nil {
		t.Fatalf("MaxOpenTime: %v", err)
	}
	if ok {
		t.Fatal("ok = true on empty series, want false")
	}
}

func TestMinMaxOpenTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	series := sampleSeries()
	batch := []model.Candle{
		{Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe, OpenTime: 5000, CloseTime: 5999, Open: 1, High: 1, Low: 1, Close: 1},
		{Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe, OpenTime: 1000, CloseTime: 1999, Open: 1, High: 1, Low: 1, Close: 1},
		{Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe, OpenTime: 9000, CloseTime: 9999, Open: 1, High: 1, Low: 1, Close: 1},
	}
	if _, err := s.InsertCandles(ctx, batch); err != nil {
		t.Fatalf("InsertCandles: %v", err)
	}

	max, ok, err := s.MaxOpenTime(ctx, series)
	if err != nil || !ok || max != 9000 {
		t.Fatalf("MaxOpenTime = %d, %v, %v; want 9000, true, nil", max, ok, err)
	}
	min, ok, err := s.MinOpenTime(ctx, series)
	if err != nil || !ok || min != 1000 {
		t.Fatalf("MinOpenTime = %d, %v, %v; want 1000, true, nil", min, ok, err)
	}
}

func TestStatus_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	series := sampleSeries()

	_, ok, err := s.GetStatus(ctx, series)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if ok {
		t.Fatal("ok = true before any status written")
	}

	want := model.TimeframeStatus{
		Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe,
		OldestCandleTime: 1000, HasOldest: true,
		IsComplete: true, Reason: model.ReasonFloorReached,
		LastUpdated: 123456,
	}
	if err := s.SetStatus(ctx, want); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got, ok, err := s.GetStatus(ctx, series)
	if err != nil || !ok {
		t.Fatalf("GetStatus after write: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("GetStatus = %+v, want %+v", got, want)
	}

	want.IsComplete = false
	want.Reason = ""
	want.LastUpdated = 999
	if err := s.SetStatus(ctx, want); err != nil {
		t.Fatalf("SetStatus (update): %v", err)
	}
	got, _, err = s.GetStatus(ctx, series)
	if err != nil || got != want {
		t.Fatalf("GetStatus after update = %+v, %v; want %+v", got, err, want)
	}
}

func TestListSeries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	series, err := s.ListSeries(ctx)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(series) != 0 {
		t.Fatalf("ListSeries on empty store = %v, want empty", series)
	}

	a := model.Series{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1m"}
	b := model.Series{Provider: "binance", Symbol: "ETHUSDT", Timeframe: "5m"}
	if err := s.SetStatus(ctx, model.TimeframeStatus{Provider: a.Provider, Symbol: a.Symbol, Timeframe: a.Timeframe}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.SetStatus(ctx, model.TimeframeStatus{Provider: b.Provider, Symbol: b.Symbol, Timeframe: b.Timeframe}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	series, err = s.ListSeries(ctx)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(series) != 2 || series[0] != a || series[1] != b {
		t.Fatalf("ListSeries = %+v, want [%+v %+v]", series, a, b)
	}
}

func TestSnapshotJSON_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if data, err := s.ReadLatestSnapshotJSON(ctx, "binance:BTCUSDT:1m"); err != nil || data != nil {
		t.Fatalf("ReadLatestSnapshotJSON on empty = %v, %v; want nil, nil", data, err)
	}

	if err := s.SaveSnapshotJSON(ctx, "binance:BTCUSDT:1m", []byte(`{"rsi":55.1}`)); err != nil {
		t.Fatalf("SaveSnapshotJSON: %v", err)
	}
	if err := s.SaveSnapshotJSON(ctx, "binance:BTCUSDT:1m", []byte(`{"rsi":60.2}`)); err != nil {
		t.Fatalf("SaveSnapshotJSON: %v", err)
	}

	data, err := s.ReadLatestSnapshotJSON(ctx, "binance:BTCUSDT:1m")
	if err != nil {
		t.Fatalf("ReadLatestSnapshotJSON: %v", err)
	}
	if string(data) != `{"rsi":60.2}` {
		t.Errorf("ReadLatestSnapshotJSON = %s, want latest snapshot", data)
	}
}
