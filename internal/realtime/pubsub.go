package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candlevault/internal/model"
)

const dialTimeout = 5 * time.Second

// RedisPublisher fans candle updates out across processes via Redis
// Pub/Sub, grounded on the teacher's redis.Writer connection setup but
// trading its Streams/consumer-group machinery (built for durable
// indicator replay across consumer restarts) for plain Pub/Sub: a
// dropped update here is reconciled by the subscribing client refetching
// through the Query Surface (spec §5 backpressure policy), so no
// durable log is needed on this hop.
type RedisPublisher struct {
	client *goredis.Client
	log    *slog.Logger
}

// NewRedisPublisher dials addr and pings it before returning.
func NewRedisPublisher(addr, password string, db int, log *slog.Logger) (*RedisPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("realtime: redis ping: %w", err)
	}
	return &RedisPublisher{client: client, log: log}, nil
}

// Channel returns the Pub/Sub channel name for a series, e.g.
// "candle:binance:BTCUSDT:1m".
func Channel(series model.Series) string {
	return "candle:" + series.Provider + ":" + series.Symbol + ":" + series.Timeframe
}

// Publish implements Publisher by JSON-encoding the update into the
// wire envelope the realtime client surface expects (spec §6) and
// publishing it to the series' channel.
func (p *RedisPublisher) Publish(series model.Series, update model.CandleUpdate) {
	data, err := json.Marshal(candleUpdateMessage{
		Type:      "candle_update",
		Symbol:    series.Symbol,
		Timeframe: series.Timeframe,
		Candle:    update.Candle,
		IsClosed:  update.IsClosed,
	})
	if err != nil {
		p.log.Error("marshal candle update failed", slog.Any("err", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, Channel(series), data).Err(); err != nil {
		p.log.Error("publish candle update failed", slog.String("series", series.Key()), slog.Any("err", err))
	}
}

// Close releases the underlying Redis connection.
func (p *RedisPublisher) Close() error { return p.client.Close() }

