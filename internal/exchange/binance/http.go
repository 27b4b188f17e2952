package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candlevault/internal/exchange"
	"candlevault/internal/model"
)

const klinePath = "/api/v3/klines"

// FetchClosed returns up to limit closed candles with open_time <
// endTimeMS, ascending, per model.ExchangeClient (spec §4.3). Binance's
// /klines only takes endTime (inclusive, so endTimeMS-1 is sent) plus
// limit, returning the newest candles at or before it, so one request
// covers exactly one backward-pagination step (spec §4.4). The
// still-open kline Binance includes for the current period is dropped.
func (c *Client) FetchClosed(ctx context.Context, symbol, timeframe string, endTimeMS int64, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var out []model.Candle
	err := c.breaker.Execute(func() error {
		batch, err := c.fetchKlines(ctx, symbol, timeframe, endTimeMS, limit)
		if err != nil {
			return err
		}
		out = batch
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	closed := out[:0]
	for _, k := range out {
		if k.CloseTime <= now {
			closed = append(closed, k)
		}
	}
	return closed, nil
}

func (c *Client) fetchKlines(ctx context.Context, symbol, timeframe string, endTimeMS int64, limit int) ([]model.Candle, error) {
	u, err := url.Parse(c.restBase + klinePath)
	if err != nil {
		return nil, fmt.Errorf("binance: parse url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("interval", timeframe)
	q.Set("endTime", strconv.FormatInt(endTimeMS-1, 10))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, exchange.Network("fetch_closed: http get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, exchange.Network("fetch_closed", fmt.Errorf("status %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, exchange.Protocol("fetch_closed", fmt.Errorf("status %s", resp.Status))
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, exchange.Protocol("fetch_closed: decode", err)
	}
	out, err := parseKlines(symbol, timeframe, raw)
	if err != nil {
		return nil, exchange.Protocol("fetch_closed: parse", err)
	}
	return out, nil
}

// parseKlines converts Binance's raw kline array rows into model.Candle.
//
// Row layout: [openTime, open, high, low, close, volume, closeTime,
// quoteAssetVolume, numberOfTrades, takerBuyBase, takerBuyQuote, ignore].
func parseKlines(symbol, timeframe string, raw [][]json.RawMessage) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(raw))
	for i, r := range raw {
		if len(r) < 11 {
			return nil, fmt.Errorf("binance: kline[%d] has %d fields, want >= 11", i, len(r))
		}

		openTime, err := jsonInt64(r[0])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] open_time: %w", i, err)
		}
		closeTime, err := jsonInt64(r[6])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] close_time: %w", i, err)
		}
		trades, err := jsonInt64(r[8])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] trade_count: %w", i, err)
		}

		open, err := jsonFloat(r[1])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] open: %w", i, err)
		}
		high, err := jsonFloat(r[2])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] high: %w", i, err)
		}
		low, err := jsonFloat(r[3])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] low: %w", i, err)
		}
		closePrice, err := jsonFloat(r[4])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] close: %w", i, err)
		}
		volume, err := jsonFloat(r[5])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] volume: %w", i, err)
		}
		quoteVolume, err := jsonFloat(r[7])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] quote_volume: %w", i, err)
		}
		takerBase, err := jsonFloat(r[9])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] taker_buy_base: %w", i, err)
		}
		takerQuote, err := jsonFloat(r[10])
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d] taker_buy_quote: %w", i, err)
		}

		out = append(out, model.Candle{
			Provider:                providerID,
			Symbol:                  symbol,
			Timeframe:               timeframe,
			OpenTime:                openTime,
			CloseTime:               closeTime,
			Open:                    open,
			High:                    high,
			Low:                     low,
			Close:                   closePrice,
			Volume:                  volume,
			QuoteAssetVolume:        quoteVolume,
			TakerBuyBaseAssetVolume: takerBase,
			TakerBuyQuoteVolume:     takerQuote,
			NumberOfTrades:          trades,
		})
	}
	return out, nil
}

func jsonInt64(raw json.RawMessage) (int64, error) {
	var v int64
	err := json.Unmarshal(raw, &v)
	return v, err
}

func jsonFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	err := json.Unmarshal(raw, &f)
	return f, err
}
