package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"candlevault/internal/exchange/fake"
	"candlevault/internal/model"
	"candlevault/internal/store/sqlite"
)

type capturePublisher struct {
	mu      sync.Mutex
	updates []model.CandleUpdate
}

func (c *capturePublisher) Publish(series model.Series, update model.CandleUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, update)
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func TestMerger_PersistsOnlyClosedCandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := sqlite.New(sqlite.Config{Path: t.TempDir() + "/merger.db"}, nil)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer st.Close()

	client := fake.New("binance", 0, 100)
	client.TickInterval = 5 * time.Millisecond
	pub := &capturePublisher{}
	merger := NewMerger(st, client, nil, pub, nil)

	series := model.Series{Provider: "binance", Symbol: "BTCUSDT", Timeframe: "1m"}
	unsubscribe, err := merger.Subscribe(ctx, series)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first update")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Persisted rows must never outnumber the closed updates observed:
	// in-progress updates are fanned out but never written to the store.
	pub.mu.Lock()
	closedSeen := 0
	for _, u := range pub.updates {
		if u.IsClosed {
			closedSeen++
		}
	}
	pub.mu.Unlock()

	got, err := st.RangeQuery(ctx, series, nil, nil, 0)
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	if len(got) > closedSeen {
		t.Errorf("persisted %d candles but only %d closed updates observed", len(got), closedSeen)
	}
}

func TestMerger_UnsubscribeTearsDownStream(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.New(sqlite.Config{Path: t.TempDir() + "/merger2.db"}, nil)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer st.Close()

	client := fake.New("binance", 0, 100)
	client.TickInterval = 5 * time.Millisecond
	pub := &capturePublisher{}
	merger := NewMerger(st, client, nil, pub, nil)

	series := model.Series{Provider: "binance", Symbol: "ETHUSDT", Timeframe: "1m"}
	unsubscribe, err := merger.Subscribe(ctx, series)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	unsubscribe()

	merger.mu.Lock()
	_, stillActive := merger.subs[series.Key()]
	merger.mu.Unlock()
	if stillActive {
		t.Fatal("subscription still active after last unsubscribe")
	}
}
