package model

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IndicatorKind names an indicator family.
type IndicatorKind string

const (
	KindSMA IndicatorKind = "SMA"
	KindEMA IndicatorKind = "EMA"
	KindRSI IndicatorKind = "RSI"
)

// IndicatorSpec configures one indicator instance.
type IndicatorSpec struct {
	Kind   IndicatorKind `json:"kind"`
	Period int           `json:"period"`
}

// Name returns the series name, e.g. "SMA_20".
func (s IndicatorSpec) Name() string {
	return string(s.Kind) + "_" + strconv.Itoa(s.Period)
}

// ParseIndicatorSpecs parses a comma-separated list such as "SMA:20,EMA:9".
func ParseIndicatorSpecs(raw string) ([]IndicatorSpec, error) {
	var specs []IndicatorSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, period, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errors.Errorf("indicator %q: want KIND:PERIOD", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(period))
		if err != nil || n <= 0 {
			return nil, errors.Errorf("indicator %q: period must be a positive integer", part)
		}
		k := IndicatorKind(strings.ToUpper(strings.TrimSpace(kind)))
		switch k {
		case KindSMA, KindEMA, KindRSI:
		default:
			return nil, errors.Errorf("indicator %q: unknown kind", part)
		}
		specs = append(specs, IndicatorSpec{Kind: k, Period: n})
	}
	return specs, nil
}

// IndicatorPoint is one value of an indicator series, keyed by candle time.
// Live marks a provisional value computed from the partial candle.
type IndicatorPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
	Live  bool    `json:"live,omitempty"`
}

// IndicatorSeries is the derived sequence for one spec.
type IndicatorSeries struct {
	Name   string           `json:"name"`
	Spec   IndicatorSpec    `json:"spec"`
	Points []IndicatorPoint `json:"points"`
}

// IndicatorResult is one computation step of one indicator.
type IndicatorResult struct {
	Name  string  `json:"name"`
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
	Ready bool    `json:"ready"`
	Live  bool    `json:"live"`
}
