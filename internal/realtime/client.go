package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"candlevault/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one browser WebSocket peer (spec §6 "Realtime client
// surface").
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	subscribed map[string]struct{}
}

type clientMessage struct {
	Type       string   `json:"type"`
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
	Provider   string   `json:"provider"`
}

type subscribedMessage struct {
	Type       string   `json:"type"`
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type candleUpdateMessage struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Candle    model.Candle `json:"candle"`
	IsClosed  bool         `json:"is_closed"`
}

const defaultProvider = "binance"

// ServeWS upgrades r into a WebSocket connection and registers it with
// the hub, blocking until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}

	c := &Client{
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, FanoutQueueSize),
		subscribed: make(map[string]struct{}),
	}
	h.register(c)

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message: " + err.Error())
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.handleSubscribe(msg)
		case "unsubscribe":
			c.handleUnsubscribe(msg)
		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

func (c *Client) handleSubscribe(msg clientMessage) {
	if msg.Symbol == "" || len(msg.Timeframes) == 0 {
		c.sendError("subscribe requires symbol and timeframes")
		return
	}
	provider := msg.Provider
	if provider == "" {
		provider = defaultProvider
	}
	for _, tf := range msg.Timeframes {
		series := model.Series{Provider: provider, Symbol: msg.Symbol, Timeframe: tf}
		c.hub.subscribeClient(c, series)
	}
	c.trySend(mustJSON(subscribedMessage{Type: "subscribed", Symbol: msg.Symbol, Timeframes: msg.Timeframes}))
}

func (c *Client) handleUnsubscribe(msg clientMessage) {
	provider := msg.Provider
	if provider == "" {
		provider = defaultProvider
	}
	for _, tf := range msg.Timeframes {
		series := model.Series{Provider: provider, Symbol: msg.Symbol, Timeframe: tf}
		c.hub.unsubscribeClient(c, series)
	}
}

func (c *Client) sendError(message string) {
	c.trySend(mustJSON(errorMessage{Type: "error", Message: message}))
}

func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
