// Package history loads the historical bar snapshot a chart view is seeded
// from.
package history

import (
	"context"
	"sort"
	"time"

	"candlefeed/internal/logger"
	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrNetwork means the backend could not be reached or answered with an
	// error. The view reports it as unavailable.
	ErrNetwork = errors.New("history backend unavailable")

	// ErrEmptyRange means the backend answered but there are no usable bars
	// in the window. The view reports it as no data.
	ErrEmptyRange = errors.New("no history in range")
)

// Loader turns backend bars into a clean candle series.
type Loader struct {
	src Source
	log *zap.Logger

	// OnLoad is called once per Load with "ok", "empty", "error" or
	// "cancelled" and the elapsed time.
	OnLoad func(result string, elapsed time.Duration)
}

// NewLoader wraps src.
func NewLoader(src Source, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{src: src, log: log.Named("history")}
}

// Load fetches [from, to] for symbol at tf. Bars are aligned to the
// timeframe's buckets, sorted, and bars falling into the same bucket are
// merged. Rows that fail validation are skipped.
//
// Errors: ctx.Err() when cancelled, ErrNetwork for backend failures and
// ErrEmptyRange when nothing usable came back.
func (l *Loader) Load(ctx context.Context, symbol string, tf model.Timeframe, from, to int64) ([]model.Candle, error) {
	start := time.Now()
	candles, err := l.load(ctx, symbol, tf, from, to)

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyRange):
		result = "empty"
	case ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "error"
	}
	if l.OnLoad != nil {
		l.OnLoad(result, time.Since(start))
	}
	return candles, err
}

func (l *Loader) load(ctx context.Context, symbol string, tf model.Timeframe, from, to int64) ([]model.Candle, error) {
	if !tf.Valid() {
		return nil, errors.Wrapf(model.ErrUnknownTimeframe, "%q", tf)
	}
	raw, err := l.src.FetchBars(ctx, Request{Symbol: symbol, Timeframe: tf, From: from, To: to})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrNetwork, "%s %s: %v", symbol, tf, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log := l.log.With(logger.Fields(ctx)...)
	size := tf.BucketSize()
	candles := make([]model.Candle, 0, len(raw))
	skipped := 0
	for _, rb := range raw {
		c, err := toCandle(rb, size)
		if err != nil {
			skipped++
			log.Debug("skipping malformed bar",
				zap.String("symbol", symbol),
				zap.Int64("time", rb.Time),
				zap.Error(err),
			)
			continue
		}
		candles = append(candles, c)
	}
	if skipped > 0 {
		log.Warn("skipped malformed bars",
			zap.String("symbol", symbol),
			zap.String("timeframe", tf.String()),
			zap.Int("skipped", skipped),
			zap.Int("received", len(raw)),
		)
	}

	candles = normalize(candles)
	if len(candles) == 0 {
		return nil, errors.Wrapf(ErrEmptyRange, "%s %s [%d, %d]", symbol, tf, from, to)
	}

	log.Info("history loaded",
		zap.String("symbol", symbol),
		zap.String("timeframe", tf.String()),
		zap.Int("bars", len(candles)),
		zap.Int64("first", candles[0].OpenTime),
		zap.Int64("last", candles[len(candles)-1].OpenTime),
	)
	return candles, nil
}

func toCandle(rb RawBar, size int64) (model.Candle, error) {
	if rb.Time <= 0 {
		return model.Candle{}, errors.Errorf("invalid time %d", rb.Time)
	}
	var vals [5]decimal.Decimal
	for i, s := range []flexString{rb.Open, rb.High, rb.Low, rb.Close, rb.Volume} {
		if s == "" && i == 4 {
			vals[i] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(string(s))
		if err != nil {
			return model.Candle{}, errors.Wrapf(err, "field %d", i)
		}
		vals[i] = d
	}
	c := model.Candle{
		OpenTime: model.Bucket(rb.Time/1000, size),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return model.Candle{}, errors.New("non-positive price")
	}
	if c.High.LessThan(c.Low) {
		return model.Candle{}, errors.New("high below low")
	}
	if c.Volume.IsNegative() {
		return model.Candle{}, errors.New("negative volume")
	}
	return c, nil
}

// normalize sorts by open time and merges bars sharing a bucket.
func normalize(candles []model.Candle) []model.Candle {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			out[n-1].Merge(c)
			continue
		}
		out = append(out, c)
	}
	return out
}
