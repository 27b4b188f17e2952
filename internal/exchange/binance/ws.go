package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"candlevault/internal/model"
)

// Subscribe opens a Binance kline WebSocket stream for symbol/timeframe
// and reconnects with exponential backoff on error, per
// model.ExchangeClient (spec §4.3, §4.7). The returned channel is
// closed when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan model.CandleUpdate, error) {
	out := make(chan model.CandleUpdate, 64)

	go func() {
		defer close(out)
		backoff := time.Second
		const maxBackoff = 30 * time.Second

		for ctx.Err() == nil {
			err := c.connectAndRead(ctx, symbol, timeframe, out)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("binance ws reconnecting",
					slog.String("symbol", symbol), slog.String("timeframe", timeframe),
					slog.Duration("backoff", backoff), slog.Any("err", err))
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()

	return out, nil
}

func (c *Client) connectAndRead(ctx context.Context, symbol, timeframe string, out chan<- model.CandleUpdate) error {
	stream := strings.ToLower(symbol) + "@kline_" + timeframe
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBase+"/"+stream, nil)
	if err != nil {
		return fmt.Errorf("binance ws dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("binance ws read: %w", err)
		}

		update, err := parseWSKline(msg)
		if err != nil {
			slog.Warn("binance ws parse error", slog.String("symbol", symbol), slog.Any("err", err))
			continue
		}
		select {
		case out <- update:
		case <-ctx.Done():
			return nil
		}
	}
}

type wsKlineMsg struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime      int64  `json:"t"`
		CloseTime     int64  `json:"T"`
		Interval      string `json:"i"`
		Open          string `json:"o"`
		High          string `json:"h"`
		Low           string `json:"l"`
		Close         string `json:"c"`
		Volume        string `json:"v"`
		TradeCount    int64  `json:"n"`
		IsClosed      bool   `json:"x"`
		QuoteVolume   string `json:"q"`
		TakerBuyBase  string `json:"V"`
		TakerBuyQuote string `json:"Q"`
	} `json:"k"`
}

func parseWSKline(msg []byte) (model.CandleUpdate, error) {
	var m wsKlineMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return model.CandleUpdate{}, err
	}
	if m.EventType != "kline" {
		return model.CandleUpdate{}, fmt.Errorf("unexpected event type %q", m.EventType)
	}
	k := m.Kline

	parse := func(s string) float64 { f, _ := strconv.ParseFloat(s, 64); return f }

	return model.CandleUpdate{
		Candle: model.Candle{
			Provider:                providerID,
			Symbol:                  m.Symbol,
			Timeframe:               k.Interval,
			OpenTime:                k.OpenTime,
			CloseTime:               k.CloseTime,
			Open:                    parse(k.Open),
			High:                    parse(k.High),
			Low:                     parse(k.Low),
			Close:                   parse(k.Close),
			Volume:                  parse(k.Volume),
			QuoteAssetVolume:        parse(k.QuoteVolume),
			TakerBuyBaseAssetVolume: parse(k.TakerBuyBase),
			TakerBuyQuoteVolume:     parse(k.TakerBuyQuote),
			NumberOfTrades:          k.TradeCount,
		},
		IsClosed: k.IsClosed,
	}, nil
}
