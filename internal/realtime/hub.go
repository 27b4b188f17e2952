package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	goredis "github.com/go-redis/redis/v8"

	"candlevault/internal/model"
)

// FanoutQueueSize bounds each client's outbound queue (spec §5
// backpressure default).
const FanoutQueueSize = 64

// Hub is the WebSocket gateway side of the realtime merger: it
// subscribes to Redis Pub/Sub channels on demand as browser clients ask
// for series, and fans candle updates out to every interested client,
// dropping for any client whose queue is full rather than blocking the
// others. Structure follows the teacher's gateway.Hub (client registry,
// per-channel subscription, drop-on-full fan-out), adapted from
// indicator/tick channels to one channel per (symbol, timeframe).
type Hub struct {
	rdb *goredis.Client
	log *slog.Logger

	mu       sync.Mutex
	clients  map[*Client]bool
	series   map[string]*seriesState
	dropCount int64
}

type seriesState struct {
	series model.Series
	cancel context.CancelFunc
	refs   int
}

// NewHub builds a Hub backed by an already-connected Redis client.
func NewHub(rdb *goredis.Client, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rdb:     rdb,
		log:     log,
		clients: make(map[*Client]bool),
		series:  make(map[string]*seriesState),
	}
}

// register adds a client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// unregister removes a client and drops all of its series subscriptions.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for key := range c.subscribed {
		h.derefLocked(key)
	}
}

// subscribeClient wires c to series, starting the Redis subscription
// for that series if it is the first interested client.
func (h *Hub) subscribeClient(c *Client, series model.Series) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := series.Key()
	st, ok := h.series[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		st = &seriesState{series: series, cancel: cancel}
		h.series[key] = st
		go h.consume(ctx, st)
	}
	st.refs++
	c.subscribed[key] = struct{}{}
}

func (h *Hub) unsubscribeClient(c *Client, series model.Series) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := series.Key()
	if _, ok := c.subscribed[key]; !ok {
		return
	}
	delete(c.subscribed, key)
	h.derefLocked(key)
}

func (h *Hub) derefLocked(key string) {
	st, ok := h.series[key]
	if !ok {
		return
	}
	st.refs--
	if st.refs <= 0 {
		st.cancel()
		delete(h.series, key)
	}
}

// consume runs the Redis subscription for one series until ctx is
// cancelled (no more interested clients).
func (h *Hub) consume(ctx context.Context, st *seriesState) {
	pubsub := h.rdb.Subscribe(ctx, Channel(st.series))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(st, []byte(msg.Payload))
		}
	}
}

// broadcast fans payload out to every client subscribed to st's series. A
// client that drops and reconnects gets no replay of what it missed here —
// it re-subscribes and falls back to the Query Surface's candles() endpoint
// to reconcile (spec §5).
func (h *Hub) broadcast(st *seriesState, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := st.series.Key()
	for c := range h.clients {
		if _, ok := c.subscribed[key]; !ok {
			continue
		}
		select {
		case c.send <- payload:
		default:
			atomic.AddInt64(&h.dropCount, 1)
		}
	}
}

// DropCount returns the number of updates dropped so far due to a
// full client queue.
func (h *Hub) DropCount() int64 { return atomic.LoadInt64(&h.dropCount) }

// ClientCount returns the number of currently connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"internal encode error"}`)
	}
	return data
}
