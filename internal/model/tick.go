package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single trade/quote event from the live feed.
// Volume is zero when the feed does not report one. Change is the feed's
// reported change since previous close, when present.
type Tick struct {
	Token  string           `json:"instrumentToken"`
	Price  decimal.Decimal  `json:"lastPrice"`
	Volume decimal.Decimal  `json:"volume"`
	Change *decimal.Decimal `json:"change,omitempty"`
	TickTS time.Time        `json:"timestamp"`
}
