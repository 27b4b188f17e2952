// Package binance implements model.ExchangeClient against the Binance
// spot REST and WebSocket kline APIs. The REST pagination and WS
// reconnect-with-backoff shape follow the teacher's adapter/binance
// package style (itself mirrored here from the pack's yitech-candles
// example, the only repo in the corpus with a Binance adapter); the
// wire-format parsing keeps the same raw-array layout but decodes into
// candlevault's model.Candle instead of a string-valued OHLC type, so
// downstream arithmetic (gap interpolation, RSI) never reparses strings.
package binance

import (
	"net/http"
	"time"

	"candlevault/internal/exchange"
)

const (
	restBaseURL = "https://api.binance.com"
	wsBaseURL   = "wss://stream.binance.com:9443/ws"
	providerID  = "binance"
)

// Client is a model.ExchangeClient backed by Binance's public REST and
// WebSocket APIs.
type Client struct {
	httpClient *http.Client
	breaker    *exchange.CircuitBreaker
	restBase   string
	wsBase     string
}

// Option configures a Client.
type Option func(*Client)

// WithRESTBase overrides the REST base URL, for pointing at a mock
// server in tests.
func WithRESTBase(base string) Option { return func(c *Client) { c.restBase = base } }

// WithWSBase overrides the WebSocket base URL.
func WithWSBase(base string) Option { return func(c *Client) { c.wsBase = base } }

// New builds a Binance client with a tripped-after-5-failures,
// 30s-reset circuit breaker around REST calls.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    exchange.NewCircuitBreaker(5, 30*time.Second),
		restBase:   restBaseURL,
		wsBase:     wsBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
