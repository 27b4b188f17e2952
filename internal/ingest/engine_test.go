package ingest

import (
	"context"
	"testing"

	"candlevault/internal/exchange/fake"
	"candlevault/internal/model"
	"candlevault/internal/period"
	"candlevault/internal/store/sqlite"
)

// exchangeFloor is the fake exchange's own earliest available data,
// set far below any operatorFloor so tests can reach "floor_reached"
// without first hitting "exchange_exhausted".
const exchangeFloor = int64(0)

func newTestEngine(t *testing.T) (*Engine, model.Store) {
	t.Helper()
	st, err := sqlite.New(sqlite.Config{Path: t.TempDir() + "/ingest.db"}, nil)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := fake.New("binance", exchangeFloor, 100)
	eng := NewEngine(st, client, nil)
	return eng, st
}

func TestEngine_FloorReached(t *testing.T) {
	ctx := context.Background()
	periodMS := period.MustMS("1h")
	operatorFloor := int64(1_700_000_000_000)
	eng, st := newTestEngine(t)

	result := eng.Run(ctx, Request{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h", FloorMS: operatorFloor})
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}
	if result.CandlesInserted == 0 {
		t.Fatal("expected candles inserted")
	}

	series := model.Series{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h"}
	status, ok, err := st.GetStatus(ctx, series)
	if err != nil || !ok {
		t.Fatalf("GetStatus: ok=%v err=%v", ok, err)
	}
	if !status.IsComplete || status.Reason != model.ReasonFloorReached {
		t.Fatalf("status = %+v, want complete/floor_reached", status)
	}

	min, ok, err := st.MinOpenTime(ctx, series)
	if err != nil || !ok {
		t.Fatalf("MinOpenTime: ok=%v err=%v", ok, err)
	}
	if min > operatorFloor+periodMS*BatchSize {
		t.Errorf("min open time %d not close to operator floor %d", min, operatorFloor)
	}
}

func TestEngine_SkipsCompleteUnlessForced(t *testing.T) {
	ctx := context.Background()
	operatorFloor := int64(1_700_000_000_000)
	eng, _ := newTestEngine(t)
	req := Request{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h", FloorMS: operatorFloor}

	first := eng.Run(ctx, req)
	if first.Err != nil {
		t.Fatalf("first Run: %v", first.Err)
	}

	second := eng.Run(ctx, req)
	if second.Err != nil {
		t.Fatalf("second Run: %v", second.Err)
	}
	if !second.Skipped {
		t.Fatal("expected second run to be skipped (series complete)")
	}

	req.Force = true
	third := eng.Run(ctx, req)
	if third.Err != nil {
		t.Fatalf("third Run: %v", third.Err)
	}
	if third.Skipped {
		t.Fatal("forced run should not be skipped")
	}
}

func TestEngine_IdempotentDoubleRun(t *testing.T) {
	ctx := context.Background()
	operatorFloor := int64(1_700_000_000_000)
	eng, st := newTestEngine(t)
	// The exchange's own history ends at the operator floor, so the
	// forced second run resumes from the stored minimum, finds nothing
	// older, and has nothing new to insert.
	eng.Exchange = fake.New("binance", operatorFloor, 100)
	req := Request{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h", FloorMS: operatorFloor}

	first := eng.Run(ctx, req)
	if first.Err != nil {
		t.Fatalf("first Run: %v", first.Err)
	}

	req.Force = true
	second := eng.Run(ctx, req)
	if second.Err != nil {
		t.Fatalf("second Run: %v", second.Err)
	}
	if second.CandlesInserted != 0 {
		t.Errorf("second run inserted %d new candles, want 0 (idempotent)", second.CandlesInserted)
	}

	series := model.Series{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h"}
	got, err := st.RangeQuery(ctx, series, nil, nil, 0)
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime-got[i-1].OpenTime != period.MustMS("1h") {
			t.Fatalf("gap between %d and %d", got[i-1].OpenTime, got[i].OpenTime)
		}
	}
}

func TestRunAll_AggregatesSummary(t *testing.T) {
	ctx := context.Background()
	operatorFloor := int64(1_700_000_000_000)
	eng, _ := newTestEngine(t)

	reqs := []Request{
		{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1h", FloorMS: operatorFloor},
		{Provider: "binance", Symbol: "ETHUSDT", Timeframe: "1h", FloorMS: operatorFloor},
	}
	summary := eng.RunAll(ctx, reqs, 2)
	if len(summary.Succeeded) != 2 {
		t.Fatalf("succeeded = %d, want 2 (got failed=%v)", len(summary.Succeeded), summary.Failed)
	}
}
