package indicator

// EMA calculates Exponential Moving Average with k = 2/(period+1).
//
// The first close seeds the average directly (ema[0] = close[0]); there is
// no SMA warm-up window. Charts loaded from the same history must reproduce
// the same values, so keep it that way.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA" }

func (e *EMA) Update(close float64) {
	e.current = e.next(close)
	e.count++
}

func (e *EMA) next(close float64) float64 {
	if e.count == 0 {
		return close
	}
	return close*e.multiplier + e.current*(1-e.multiplier)
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count > 0 }
func (e *EMA) WarmUp() int    { return 1 }

func (e *EMA) Peek(close float64) (float64, bool) {
	return e.next(close), true
}

func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
}
