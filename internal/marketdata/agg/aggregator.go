// Package agg buckets a live tick stream into fixed-width OHLCV candles.
package agg

import (
	"candlefeed/internal/model"
)

// DropReason classifies a tick the aggregator refused.
type DropReason string

const (
	DropLate       DropReason = "late"
	DropInvalid    DropReason = "invalid"
	DropInstrument DropReason = "instrument"
)

// Aggregator builds candles of one bucket size for one instrument.
// It holds at most one partial candle and remembers the open time of the last
// candle it finalized (or was primed with), so bucket times it emits are
// strictly increasing. Not safe for concurrent use: it is driven by the
// single goroutine that owns the series.
type Aggregator struct {
	symbol     string
	bucketSize int64

	partial   *model.Candle
	lastFinal int64
	hasFinal  bool

	// Metrics hooks (optional, set externally)
	OnDroppedTick func(tick model.Tick, reason DropReason)
}

// New creates an Aggregator for symbol with buckets of bucketSize seconds.
// bucketSize must be positive.
func New(symbol string, bucketSize int64) *Aggregator {
	return &Aggregator{symbol: symbol, bucketSize: bucketSize}
}

// BucketSize returns the bucket width in seconds.
func (a *Aggregator) BucketSize() int64 { return a.bucketSize }

// Prime continues from seeded history. The last historical bar becomes the
// partial candle so a tick in the same bucket merges into it. Earlier bars
// only move the late-tick boundary.
func (a *Aggregator) Prime(history []model.Candle) {
	a.Reset()
	n := len(history)
	if n == 0 {
		return
	}
	last := history[n-1]
	a.partial = &last
	if n > 1 {
		a.lastFinal = history[n-2].OpenTime
		a.hasFinal = true
	}
}

// Reset drops all bucket state.
func (a *Aggregator) Reset() {
	a.partial = nil
	a.lastFinal = 0
	a.hasFinal = false
}

// Partial returns a copy of the in-progress candle, if any.
func (a *Aggregator) Partial() (model.Candle, bool) {
	if a.partial == nil {
		return model.Candle{}, false
	}
	return *a.partial, true
}

// Process folds one tick into the series. It returns false when the tick was
// dropped, in which case no state changed.
//
// A tick in a bucket later than the partial finalizes the partial and opens a
// new one; a tick in an earlier bucket is late and dropped.
func (a *Aggregator) Process(tick model.Tick) (model.SeriesUpdate, bool) {
	if tick.Token != a.symbol {
		a.drop(tick, DropInstrument)
		return model.SeriesUpdate{}, false
	}
	if !tick.Price.IsPositive() || tick.Volume.IsNegative() {
		a.drop(tick, DropInvalid)
		return model.SeriesUpdate{}, false
	}

	bucket := model.Bucket(tick.TickTS.Unix(), a.bucketSize)

	if a.partial == nil {
		if a.hasFinal && bucket <= a.lastFinal {
			a.drop(tick, DropLate)
			return model.SeriesUpdate{}, false
		}
		c := model.NewCandle(bucket, tick.Price, tick.Volume)
		a.partial = &c
		return model.SeriesUpdate{Partial: c}, true
	}

	switch {
	case bucket < a.partial.OpenTime:
		a.drop(tick, DropLate)
		return model.SeriesUpdate{}, false

	case bucket > a.partial.OpenTime:
		finalized := *a.partial
		a.lastFinal = finalized.OpenTime
		a.hasFinal = true
		c := model.NewCandle(bucket, tick.Price, tick.Volume)
		a.partial = &c
		return model.SeriesUpdate{Finalized: &finalized, Partial: c}, true

	default:
		a.partial.Apply(tick.Price, tick.Volume)
		return model.SeriesUpdate{Partial: *a.partial}, true
	}
}

func (a *Aggregator) drop(tick model.Tick, reason DropReason) {
	if a.OnDroppedTick != nil {
		a.OnDroppedTick(tick, reason)
	}
}
