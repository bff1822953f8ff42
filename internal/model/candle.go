package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV bar for one time bucket of one instrument.
// OpenTime is the bucket start in Unix seconds and is always aligned to the
// timeframe's bucket size. A finalized candle is never mutated again.
type Candle struct {
	OpenTime int64           `json:"time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// NewCandle starts a bucket from its first trade.
func NewCandle(openTime int64, price, volume decimal.Decimal) Candle {
	return Candle{
		OpenTime: openTime,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   volume,
	}
}

// Apply folds one more trade into the bucket.
func (c *Candle) Apply(price, volume decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(volume)
}

// Merge folds a later bar of the same bucket into c.
func (c *Candle) Merge(later Candle) {
	if later.High.GreaterThan(c.High) {
		c.High = later.High
	}
	if later.Low.LessThan(c.Low) {
		c.Low = later.Low
	}
	c.Close = later.Close
	c.Volume = c.Volume.Add(later.Volume)
}

// CloseFloat returns the close as float64 for indicator math.
func (c *Candle) CloseFloat() float64 {
	return c.Close.InexactFloat64()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
