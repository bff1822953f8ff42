// Package redis republishes a chart series to Redis so other processes can
// follow it without their own feed connection.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"candlefeed/config"
	"candlefeed/internal/model"
	"candlefeed/internal/series"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultLatestTTL = 30 * time.Minute
	candleStreamLen  = 5000
)

// SeriesChannel is the Pub/Sub channel for one selection.
func SeriesChannel(sub model.Subscription) string {
	return fmt.Sprintf("pub:series:%s:%s", sub.Timeframe, sub.Instrument)
}

// LatestKey holds the most recent Stats for one selection.
func LatestKey(sub model.Subscription) string {
	return fmt.Sprintf("latest:stats:%s:%s", sub.Timeframe, sub.Instrument)
}

// CandleStream is the capped stream of finalized candles for one selection.
func CandleStream(sub model.Subscription) string {
	return fmt.Sprintf("candles:%s:%s", sub.Timeframe, sub.Instrument)
}

// SeriesMessage is the payload published on SeriesChannel.
type SeriesMessage struct {
	Symbol     string                          `json:"symbol"`
	Timeframe  model.Timeframe                 `json:"timeframe"`
	Generation uint64                          `json:"generation"`
	Version    uint64                          `json:"version"`
	Status     series.Status                   `json:"status"`
	Partial    *model.Candle                   `json:"partial,omitempty"`
	LastFinal  *model.Candle                   `json:"lastFinal,omitempty"`
	Indicators map[string]model.IndicatorPoint `json:"indicators,omitempty"`
	Stats      series.Stats                    `json:"stats"`
}

// NewSeriesMessage condenses snap to its latest values.
func NewSeriesMessage(snap series.Snapshot) SeriesMessage {
	msg := SeriesMessage{
		Symbol:     snap.Subscription.Instrument,
		Timeframe:  snap.Subscription.Timeframe,
		Generation: snap.Generation,
		Version:    snap.Version,
		Status:     snap.Status,
		Partial:    snap.Partial,
		Stats:      snap.Stats,
	}
	if n := len(snap.Candles); n > 0 {
		c := snap.Candles[n-1]
		msg.LastFinal = &c
	}
	for _, s := range snap.Indicators {
		if len(s.Points) == 0 {
			continue
		}
		if msg.Indicators == nil {
			msg.Indicators = make(map[string]model.IndicatorPoint)
		}
		msg.Indicators[s.Name] = s.Points[len(s.Points)-1]
	}
	return msg
}

// Publisher is a series.Sink writing to Redis.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	ttl     time.Duration
	log     *zap.Logger

	stream streamCursor
}

// streamCursor marks how far the candle stream has been written for one
// generation. It only advances after a successful write.
type streamCursor struct {
	gen  uint64
	next int // index into Snapshot.Candles of the first unstreamed candle
	init bool
}

// New connects to Redis and pings it.
func New(cfg config.RedisConfig, log *zap.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return NewWithClient(client, cfg.LatestTTL, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, ttl time.Duration, log *zap.Logger) *Publisher {
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		client:  client,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		ttl:     ttl,
		log:     log.Named("redis"),
	}
	p.breaker.OnStateChange = func(from, to State) {
		p.log.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit breaker state.
func (p *Publisher) Breaker() *CircuitBreaker { return p.breaker }

// Render implements series.Sink. One pipeline per snapshot: publish the
// condensed message, refresh the stats key, and append newly finalized
// candles to the stream.
func (p *Publisher) Render(ctx context.Context, snap series.Snapshot) error {
	if snap.Subscription.Instrument == "" {
		return nil
	}
	msg := NewSeriesMessage(snap)
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode series message")
	}
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return errors.Wrap(err, "encode stats")
	}
	fresh, cur := p.newFinalized(snap)

	err = p.breaker.Execute(func() error {
		pipe := p.client.Pipeline()
		pipe.Publish(ctx, SeriesChannel(snap.Subscription), data)
		pipe.Set(ctx, LatestKey(snap.Subscription), stats, p.ttl)
		for _, c := range fresh {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: CandleStream(snap.Subscription),
				MaxLen: candleStreamLen,
				Approx: true,
				Values: map[string]interface{}{"data": c.JSON()},
			})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", snap.Subscription.Key())
	}
	p.stream = cur
	return nil
}

// newFinalized returns the finalized candles not yet appended to the stream
// and the cursor to keep once they are written. Seeded history is not
// streamed; the stream starts with the first candle finalized live.
func (p *Publisher) newFinalized(snap series.Snapshot) ([]model.Candle, streamCursor) {
	cur := p.stream
	if !cur.init || cur.gen != snap.Generation {
		cur = streamCursor{gen: snap.Generation, init: true}
	}
	if cur.next < snap.Seeded {
		cur.next = snap.Seeded
	}
	if cur.next > len(snap.Candles) {
		cur.next = len(snap.Candles)
	}
	fresh := snap.Candles[cur.next:]
	cur.next = len(snap.Candles)
	return fresh, cur
}

// Latest reads the stored stats for sub.
func (p *Publisher) Latest(ctx context.Context, sub model.Subscription) (series.Stats, bool, error) {
	var stats series.Stats
	raw, err := p.client.Get(ctx, LatestKey(sub)).Bytes()
	if err == goredis.Nil {
		return stats, false, nil
	}
	if err != nil {
		return stats, false, errors.Wrap(err, "get latest stats")
	}
	if err := json.Unmarshal(raw, &stats); err != nil {
		return stats, false, errors.Wrap(err, "decode latest stats")
	}
	return stats, true, nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
