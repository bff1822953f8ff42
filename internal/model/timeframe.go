package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Timeframe is a chart interval code as used by the chart UI ("1M", "1H", ...).
type Timeframe string

const (
	TF1Min  Timeframe = "1M"
	TF5Min  Timeframe = "5M"
	TF15Min Timeframe = "15M"
	TF1Hour Timeframe = "1H"
	TF1Day  Timeframe = "1D"
)

// DefaultTimeframe is selected when a view opens without one.
const DefaultTimeframe = TF5Min

type timeframeInfo struct {
	bucket   int64
	lookback time.Duration
	label    string
}

var timeframes = map[Timeframe]timeframeInfo{
	TF1Min:  {bucket: 60, lookback: 24 * time.Hour, label: "1m"},
	TF5Min:  {bucket: 300, lookback: 3 * 24 * time.Hour, label: "5m"},
	TF15Min: {bucket: 900, lookback: 7 * 24 * time.Hour, label: "15m"},
	TF1Hour: {bucket: 3600, lookback: 30 * 24 * time.Hour, label: "1h"},
	TF1Day:  {bucket: 86400, lookback: 365 * 24 * time.Hour, label: "1d"},
}

// AllTimeframes lists the supported codes from shortest to longest.
func AllTimeframes() []Timeframe {
	return []Timeframe{TF1Min, TF5Min, TF15Min, TF1Hour, TF1Day}
}

// ErrUnknownTimeframe is returned by ParseTimeframe.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// ParseTimeframe accepts either the code ("5M") or the interval label ("5m").
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if _, ok := timeframes[Timeframe(strings.ToUpper(s))]; ok {
		return Timeframe(strings.ToUpper(s)), nil
	}
	for tf, info := range timeframes {
		if info.label == s {
			return tf, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownTimeframe, "%q", s)
}

// BucketSize returns the bucket width in seconds.
func (tf Timeframe) BucketSize() int64 { return timeframes[tf].bucket }

// Lookback returns the default history window loaded for this timeframe.
func (tf Timeframe) Lookback() time.Duration { return timeframes[tf].lookback }

// Label returns the interval name used by history sources ("1m", "1h", "1d").
func (tf Timeframe) Label() string { return timeframes[tf].label }

// Valid reports whether tf is a supported code.
func (tf Timeframe) Valid() bool {
	_, ok := timeframes[tf]
	return ok
}

func (tf Timeframe) String() string { return string(tf) }

// Bucket floors ts to the start of its bucket.
func Bucket(ts, size int64) int64 {
	b := ts - ts%size
	if ts < 0 && ts%size != 0 {
		b -= size
	}
	return b
}
