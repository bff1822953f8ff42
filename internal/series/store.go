// Package series owns the authoritative in-memory candle series of a chart
// view together with its derived indicator series.
//
// A Store has exactly one writer (the view's update loop) and any number of
// readers. Readers take immutable Snapshots and learn about changes through
// Subscribe; every completed mutation produces exactly one notification.
package series

import (
	"sync"

	"candlefeed/internal/indicator"
	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is the load/stream state rendered by sinks.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusLoading     Status = "loading"
	StatusLive        Status = "live"
	StatusNoData      Status = "no_data"
	StatusUnavailable Status = "unavailable"
)

var (
	// ErrStaleGeneration is returned when a write is tagged with a selection
	// that has since been replaced.
	ErrStaleGeneration = errors.New("stale series generation")

	// ErrOutOfOrder is returned when a candle would break strictly increasing
	// bucket order. It indicates a bug in the writer.
	ErrOutOfOrder = errors.New("candle out of order")
)

// Stats are the summary figures shown next to the chart.
type Stats struct {
	LastPrice decimal.Decimal `json:"lastPrice"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"changePct"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
}

// Snapshot is an immutable view of the store. Slices share backing arrays
// with the store but are capped, so they are never written after the
// snapshot is taken.
type Snapshot struct {
	Subscription model.Subscription      `json:"subscription"`
	Generation   uint64                  `json:"generation"`
	Version      uint64                  `json:"version"`
	Status       Status                  `json:"status"`
	Error        string                  `json:"error,omitempty"`
	Candles      []model.Candle          `json:"candles"`
	Seeded       int                     `json:"seeded"` // leading Candles that came from history
	Partial      *model.Candle           `json:"partial,omitempty"`
	Indicators   []model.IndicatorSeries `json:"indicators"`
	Stats        Stats                   `json:"stats"`
}

// Len returns the number of bars including the partial one.
func (s *Snapshot) Len() int {
	if s.Partial != nil {
		return len(s.Candles) + 1
	}
	return len(s.Candles)
}

type indicatorState struct {
	spec   model.IndicatorSpec
	points []model.IndicatorPoint // finalized points only
	live   *model.IndicatorPoint
}

// Store holds one Series plus its IndicatorSeries.
type Store struct {
	log   *zap.Logger
	specs []model.IndicatorSpec

	mu         sync.RWMutex
	sub        model.Subscription
	gen        uint64
	version    uint64
	status     Status
	errText    string
	candles    []model.Candle
	seeded     int
	partial    *model.Candle
	engine     *indicator.Engine
	indicators []indicatorState

	// running aggregates over finalized candles
	finHigh   decimal.Decimal
	finLow    decimal.Decimal
	finVolume decimal.Decimal

	notify *notifier

	// OnIndicatorPoint is called for every finalized indicator point appended.
	OnIndicatorPoint func(name string)
}

// New creates an empty store computing the given indicators.
func New(specs []model.IndicatorSpec, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		log:    log.Named("series"),
		specs:  specs,
		status: StatusIdle,
		notify: newNotifier(),
	}
	s.resetLocked()
	return s
}

// SetOnDrop installs a hook called when a subscriber's notification buffer
// is full. The subscriber still observes the latest state on its next read.
func (s *Store) SetOnDrop(fn func(subscriber int)) {
	s.notify.setOnDrop(fn)
}

// Subscribe registers a reader. The returned channel receives the new
// version after every mutation; cancel releases it.
func (s *Store) Subscribe(buf int) (<-chan uint64, func()) {
	return s.notify.subscribe(buf)
}

// Generation returns the current selection generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Reset discards the whole series and binds the store to a new selection.
// All later writes must carry gen.
func (s *Store) Reset(sub model.Subscription, gen uint64) {
	s.mu.Lock()
	s.sub = sub
	s.gen = gen
	s.status = StatusLoading
	s.errText = ""
	s.resetLocked()
	v := s.bumpLocked()
	s.mu.Unlock()

	s.notify.publish(v)
}

func (s *Store) resetLocked() {
	s.candles = nil
	s.seeded = 0
	s.partial = nil
	s.engine = indicator.NewEngine(s.specs)
	s.indicators = make([]indicatorState, len(s.specs))
	for i, spec := range s.specs {
		s.indicators[i] = indicatorState{spec: spec}
	}
	s.finHigh = decimal.Zero
	s.finLow = decimal.Zero
	s.finVolume = decimal.Zero
}

// Seed installs loaded history. The last bar becomes the partial candle so
// live ticks in the same bucket extend it; earlier bars are finalized.
func (s *Store) Seed(gen uint64, history []model.Candle) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrStaleGeneration
	}
	for i := 1; i < len(history); i++ {
		if history[i].OpenTime <= history[i-1].OpenTime {
			s.mu.Unlock()
			s.violation("seed", history[i].OpenTime, history[i-1].OpenTime)
			return errors.Wrapf(ErrOutOfOrder, "seed bar %d at %d", i, history[i].OpenTime)
		}
	}
	if len(s.candles) > 0 || s.partial != nil {
		s.mu.Unlock()
		return errors.New("seed into non-empty series")
	}

	n := len(history)
	for i := 0; i < n-1; i++ {
		s.appendFinalLocked(history[i])
	}
	if n > 0 {
		s.seeded = n - 1
		s.setPartialLocked(history[n-1])
	}
	v := s.bumpLocked()
	s.mu.Unlock()

	s.notify.publish(v)
	return nil
}

// Apply records the effect of one aggregated tick.
func (s *Store) Apply(gen uint64, up model.SeriesUpdate) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrStaleGeneration
	}

	last, hasLast := s.lastFinalLocked()
	if up.Finalized != nil {
		if hasLast && up.Finalized.OpenTime <= last {
			s.mu.Unlock()
			s.violation("finalize", up.Finalized.OpenTime, last)
			return errors.Wrapf(ErrOutOfOrder, "finalized bucket %d after %d", up.Finalized.OpenTime, last)
		}
		last, hasLast = up.Finalized.OpenTime, true
	}
	if hasLast && up.Partial.OpenTime <= last {
		s.mu.Unlock()
		s.violation("partial", up.Partial.OpenTime, last)
		return errors.Wrapf(ErrOutOfOrder, "partial bucket %d after %d", up.Partial.OpenTime, last)
	}

	if up.Finalized != nil {
		s.partial = nil
		s.appendFinalLocked(*up.Finalized)
	}
	s.setPartialLocked(up.Partial)
	v := s.bumpLocked()
	s.mu.Unlock()

	s.notify.publish(v)
	return nil
}

// SetStatus updates the status banner. err may be nil.
func (s *Store) SetStatus(gen uint64, status Status, err error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrStaleGeneration
	}
	if s.status == status && s.errText == errText(err) {
		s.mu.Unlock()
		return nil
	}
	s.status = status
	s.errText = errText(err)
	v := s.bumpLocked()
	s.mu.Unlock()

	s.notify.publish(v)
	return nil
}

// Status returns the current status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns an immutable view of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.candles)
	snap := Snapshot{
		Subscription: s.sub,
		Generation:   s.gen,
		Version:      s.version,
		Status:       s.status,
		Error:        s.errText,
		Candles:      s.candles[:n:n],
		Seeded:       s.seeded,
		Indicators:   make([]model.IndicatorSeries, len(s.indicators)),
		Stats:        s.statsLocked(),
	}
	if s.partial != nil {
		p := *s.partial
		snap.Partial = &p
	}
	for i, st := range s.indicators {
		m := len(st.points)
		pts := st.points[:m:m]
		if st.live != nil {
			// cap == len forces a copy, leaving the shared array untouched
			pts = append(pts, *st.live)
		}
		snap.Indicators[i] = model.IndicatorSeries{
			Name:   st.spec.Name(),
			Spec:   st.spec,
			Points: pts,
		}
	}
	return snap
}

func (s *Store) lastFinalLocked() (int64, bool) {
	if len(s.candles) == 0 {
		return 0, false
	}
	return s.candles[len(s.candles)-1].OpenTime, true
}

func (s *Store) appendFinalLocked(c model.Candle) {
	if len(s.candles) == 0 {
		s.finHigh, s.finLow = c.High, c.Low
	} else {
		if c.High.GreaterThan(s.finHigh) {
			s.finHigh = c.High
		}
		if c.Low.LessThan(s.finLow) {
			s.finLow = c.Low
		}
	}
	s.finVolume = s.finVolume.Add(c.Volume)
	s.candles = append(s.candles, c)

	for i, r := range s.engine.Process(c) {
		st := &s.indicators[i]
		st.live = nil
		if !r.Ready {
			continue
		}
		st.points = append(st.points, model.IndicatorPoint{Time: r.Time, Value: r.Value})
		if s.OnIndicatorPoint != nil {
			s.OnIndicatorPoint(r.Name)
		}
	}
}

func (s *Store) setPartialLocked(c model.Candle) {
	p := c
	s.partial = &p
	for i, r := range s.engine.Peek(c) {
		st := &s.indicators[i]
		if !r.Ready {
			st.live = nil
			continue
		}
		st.live = &model.IndicatorPoint{Time: r.Time, Value: r.Value, Live: true}
	}
}

func (s *Store) statsLocked() Stats {
	var first, last *model.Candle
	switch {
	case len(s.candles) > 0:
		first = &s.candles[0]
	case s.partial != nil:
		first = s.partial
	default:
		return Stats{}
	}
	if s.partial != nil {
		last = s.partial
	} else {
		last = &s.candles[len(s.candles)-1]
	}

	high, low, vol := s.finHigh, s.finLow, s.finVolume
	if s.partial != nil {
		if len(s.candles) == 0 {
			high, low = s.partial.High, s.partial.Low
		} else {
			high = decimal.Max(high, s.partial.High)
			low = decimal.Min(low, s.partial.Low)
		}
		vol = vol.Add(s.partial.Volume)
	}

	change := last.Close.Sub(first.Open)
	pct := decimal.Zero
	if !first.Open.IsZero() {
		pct = change.Div(first.Open).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return Stats{
		LastPrice: last.Close,
		Change:    change,
		ChangePct: pct,
		High:      high,
		Low:       low,
		Volume:    vol,
	}
}

func (s *Store) bumpLocked() uint64 {
	s.version++
	return s.version
}

// violation reports a broken ordering invariant. DPanic panics in
// development loggers and logs at error level otherwise.
func (s *Store) violation(op string, got, last int64) {
	s.log.DPanic("series ordering invariant violated",
		zap.String("op", op),
		zap.Int64("bucket", got),
		zap.Int64("last_bucket", last),
	)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
