package model

// Subscription is the instrument/timeframe pair a view is bound to.
type Subscription struct {
	Instrument string    `json:"symbol"`
	Timeframe  Timeframe `json:"timeframe"`
}

// Key returns "{timeframe}:{instrument}".
func (s Subscription) Key() string {
	return string(s.Timeframe) + ":" + s.Instrument
}

// SeriesUpdate is the effect of one tick on a series: optionally a candle
// that just finalized, plus the current partial bucket.
type SeriesUpdate struct {
	Finalized *Candle
	Partial   Candle
}
