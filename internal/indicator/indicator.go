// Package indicator provides incremental technical indicators over a close
// price stream.
//
// Every indicator is O(1) per finalized close and can preview the value a
// provisional close would produce without mutating its state, which is how
// the live tail point of a chart is computed from the partial candle.
package indicator

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator family ("SMA", "EMA", "RSI").
	Name() string

	// Update feeds the close of a newly finalized candle.
	Update(close float64)

	// Value returns the current value. Returns 0 until Ready.
	Value() float64

	// Ready returns true once WarmUp closes have been fed.
	Ready() bool

	// WarmUp is the number of closes needed before the first value.
	WarmUp() int

	// Peek returns what Value would be if close were fed next, and whether
	// the indicator would be ready then. State is not mutated.
	Peek(close float64) (float64, bool)

	// Reset clears all accumulated state.
	Reset()
}
