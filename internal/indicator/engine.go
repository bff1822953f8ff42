package indicator

import (
	"candlefeed/internal/model"
)

// Engine drives a fixed set of indicators over one candle series.
// Not safe for concurrent use.
type Engine struct {
	specs      []model.IndicatorSpec
	indicators []Indicator
}

// New builds an indicator instance for spec. Unknown kinds fall back to SMA.
func New(spec model.IndicatorSpec) Indicator {
	switch spec.Kind {
	case model.KindEMA:
		return NewEMA(spec.Period)
	case model.KindRSI:
		return NewRSI(spec.Period)
	default:
		return NewSMA(spec.Period)
	}
}

// NewEngine creates an engine computing every spec in order.
func NewEngine(specs []model.IndicatorSpec) *Engine {
	inds := make([]Indicator, len(specs))
	for i, s := range specs {
		inds[i] = New(s)
	}
	return &Engine{specs: specs, indicators: inds}
}

// Specs returns the configured indicator specs.
func (e *Engine) Specs() []model.IndicatorSpec { return e.specs }

// Process feeds a finalized candle to every indicator. One result per spec is
// returned; results with Ready=false carry no value yet.
func (e *Engine) Process(c model.Candle) []model.IndicatorResult {
	close := c.CloseFloat()
	results := make([]model.IndicatorResult, len(e.indicators))
	for i, ind := range e.indicators {
		ind.Update(close)
		results[i] = model.IndicatorResult{
			Name:  e.specs[i].Name(),
			Time:  c.OpenTime,
			Value: ind.Value(),
			Ready: ind.Ready(),
		}
	}
	return results
}

// Peek computes provisional values for a partial candle. Indicator state is
// not mutated, so Peek may be called once per tick.
func (e *Engine) Peek(c model.Candle) []model.IndicatorResult {
	close := c.CloseFloat()
	results := make([]model.IndicatorResult, len(e.indicators))
	for i, ind := range e.indicators {
		v, ready := ind.Peek(close)
		results[i] = model.IndicatorResult{
			Name:  e.specs[i].Name(),
			Time:  c.OpenTime,
			Value: v,
			Ready: ready,
			Live:  true,
		}
	}
	return results
}

// Reset clears every indicator.
func (e *Engine) Reset() {
	for _, ind := range e.indicators {
		ind.Reset()
	}
}
