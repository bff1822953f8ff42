// Package chart runs the update loop of one chart view.
//
// A Session binds a series.Store to an instrument/timeframe selection. Every
// selection goes through two phases: seed (load history) then stream (apply
// live ticks). All state changes happen on the goroutine running Run; async
// results carry the generation they were started for and are discarded when
// a newer selection has replaced it.
package chart

import (
	"context"
	"time"

	"candlefeed/internal/history"
	"candlefeed/internal/logger"
	"candlefeed/internal/marketdata/agg"
	"candlefeed/internal/model"
	"candlefeed/internal/series"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Loader fetches the history snapshot for a selection.
type Loader interface {
	Load(ctx context.Context, symbol string, tf model.Timeframe, from, to int64) ([]model.Candle, error)
}

// Feed is the live tick transport. Subscribe and Unsubscribe are reference
// counted by the feed, so every Subscribe must be paired with one Unsubscribe.
type Feed interface {
	Subscribe(instrument string)
	Unsubscribe(instrument string)
	AddListener(instrument string, fn func(model.Tick)) (remove func())
}

// ErrClosed is returned by calls made after Run has exited.
var ErrClosed = errors.New("chart session closed")

// Config tunes a Session.
type Config struct {
	// PendingTicks bounds the ticks buffered while history is loading.
	// Defaults to 1024.
	PendingTicks int

	// QueueSize is the capacity of the update queue. Defaults to 4096.
	QueueSize int

	// Now returns the wall clock used for history windows. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.PendingTicks <= 0 {
		c.PendingTicks = 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseSeeding
	phaseStreaming
	phaseFailed
)

type selectEvent struct {
	sub  model.Subscription
	done chan struct{}
}

type retryEvent struct {
	done chan bool
}

type tickEvent struct {
	gen  uint64
	tick model.Tick
}

type seedEvent struct {
	gen     uint64
	candles []model.Candle
	err     error
}

// Session is the update loop for one chart view.
type Session struct {
	cfg    Config
	log    *zap.Logger
	loader Loader
	feed   Feed
	store  *series.Store

	events chan any
	stop   chan struct{}

	// owned by the Run goroutine
	ctx            context.Context
	sub            model.Subscription
	gen            uint64
	phase          phase
	agg            *agg.Aggregator
	pending        []model.Tick
	cancelLoad     context.CancelFunc
	removeListener func()
	traceLog       *zap.Logger

	// Optional hooks (metrics), set before Run.
	OnTick            func()
	OnDroppedTick     func(reason string)
	OnCandleFinalized func()
}

// NewSession creates a session writing to store.
func NewSession(cfg Config, loader Loader, feed Feed, store *series.Store, log *zap.Logger) *Session {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		log:    log.Named("chart"),
		loader: loader,
		feed:   feed,
		store:  store,
		events: make(chan any, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Store returns the series store the session writes to.
func (s *Session) Store() *series.Store { return s.store }

// Select switches the view to sub. It returns once the old selection has
// been torn down and loading of the new one has started.
func (s *Session) Select(ctx context.Context, sub model.Subscription) error {
	if !sub.Timeframe.Valid() {
		return errors.Wrapf(model.ErrUnknownTimeframe, "%q", sub.Timeframe)
	}
	if sub.Instrument == "" {
		return errors.New("instrument is required")
	}
	ev := selectEvent{sub: sub, done: make(chan struct{})}
	if err := s.post(ctx, ev); err != nil {
		return err
	}
	select {
	case <-ev.done:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry reloads the current selection after a failed seed. It reports
// whether a retry was started.
func (s *Session) Retry(ctx context.Context) (bool, error) {
	ev := retryEvent{done: make(chan bool, 1)}
	if err := s.post(ctx, ev); err != nil {
		return false, err
	}
	select {
	case ok := <-ev.done:
		return ok, nil
	case <-s.stop:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Session) post(ctx context.Context, ev any) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the update queue until ctx is cancelled, then releases the
// subscription and any in-flight load.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.stop)
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			switch e := ev.(type) {
			case selectEvent:
				s.handleSelect(e.sub)
				close(e.done)
			case retryEvent:
				e.done <- s.handleRetry()
			case tickEvent:
				s.handleTick(e)
			case seedEvent:
				s.handleSeed(e)
			}
		}
	}
}

// handleSelect performs the switch in a fixed order: cancel the in-flight
// load, release the old instrument, discard the old series, then start the
// new subscription and load.
func (s *Session) handleSelect(sub model.Subscription) {
	old := s.sub
	s.teardownLoad()
	if s.removeListener != nil {
		s.removeListener()
		s.removeListener = nil
	}
	switched := old.Instrument != sub.Instrument
	if switched && old.Instrument != "" {
		s.feed.Unsubscribe(old.Instrument)
	}

	s.gen++
	gen := s.gen
	s.sub = sub
	s.store.Reset(sub, gen)
	s.agg = agg.New(sub.Instrument, sub.Timeframe.BucketSize())
	s.agg.OnDroppedTick = func(_ model.Tick, reason agg.DropReason) {
		s.dropped(string(reason))
	}
	s.pending = s.pending[:0]
	s.phase = phaseSeeding

	traceID := logger.GenerateTraceID(sub.Key(), s.cfg.Now())
	s.traceLog = s.log.With(zap.String("trace_id", traceID), zap.Uint64("gen", gen))
	s.traceLog.Info("selection changed",
		zap.String("symbol", sub.Instrument),
		zap.String("timeframe", sub.Timeframe.String()),
		zap.String("previous", old.Key()),
	)

	s.removeListener = s.feed.AddListener(sub.Instrument, func(t model.Tick) {
		select {
		case s.events <- tickEvent{gen: gen, tick: t}:
		default:
			s.dropped("queue_full")
		}
	})
	// the session holds one feed subscription per instrument
	if switched {
		s.feed.Subscribe(sub.Instrument)
	}
	s.startLoad(gen, sub, traceID)
}

func (s *Session) startLoad(gen uint64, sub model.Subscription, traceID string) {
	ctx, cancel := context.WithCancel(logger.WithTraceID(s.ctx, traceID))
	s.cancelLoad = cancel
	from, to := history.Window(sub.Timeframe, s.cfg.Now())

	go func() {
		candles, err := s.loader.Load(ctx, sub.Instrument, sub.Timeframe, from, to)
		select {
		case s.events <- seedEvent{gen: gen, candles: candles, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) handleSeed(e seedEvent) {
	if e.gen != s.gen {
		s.log.Debug("discarding stale history result", zap.Uint64("gen", e.gen), zap.Uint64("current", s.gen))
		return
	}
	s.teardownLoad()

	switch {
	case e.err == nil:
		if err := s.store.Seed(e.gen, e.candles); err != nil {
			s.traceLog.Error("seeding failed", zap.Error(err))
			s.fail(err)
			return
		}
		s.agg.Prime(e.candles)
		s.setStatus(series.StatusLive, nil)
		s.traceLog.Info("seeded", zap.Int("bars", len(e.candles)), zap.Int("pending_ticks", len(s.pending)))
		s.startStreaming()

	case errors.Is(e.err, history.ErrEmptyRange):
		s.setStatus(series.StatusNoData, nil)
		s.traceLog.Info("no history in range, streaming live only")
		s.startStreaming()

	case errors.Is(e.err, context.Canceled):
		// load torn down by shutdown

	default:
		s.traceLog.Warn("history load failed", zap.Error(e.err))
		s.fail(e.err)
	}
}

func (s *Session) startStreaming() {
	s.phase = phaseStreaming
	pending := s.pending
	s.pending = nil
	for _, t := range pending {
		s.apply(t)
	}
}

func (s *Session) fail(err error) {
	s.phase = phaseFailed
	s.pending = nil
	s.setStatus(series.StatusUnavailable, err)
}

func (s *Session) handleRetry() bool {
	if s.phase != phaseFailed || s.sub.Instrument == "" {
		return false
	}
	s.handleSelect(s.sub)
	return true
}

func (s *Session) handleTick(e tickEvent) {
	if e.gen != s.gen {
		s.dropped("stale")
		return
	}
	if s.OnTick != nil {
		s.OnTick()
	}
	switch s.phase {
	case phaseSeeding:
		if len(s.pending) >= s.cfg.PendingTicks {
			s.dropped("pending_full")
			return
		}
		s.pending = append(s.pending, e.tick)
	case phaseStreaming:
		s.apply(e.tick)
	default:
		s.dropped("not_streaming")
	}
}

func (s *Session) apply(t model.Tick) {
	up, ok := s.agg.Process(t)
	if !ok {
		return
	}
	if err := s.store.Apply(s.gen, up); err != nil {
		s.traceLog.Error("series update rejected", zap.Error(err))
		return
	}
	if up.Finalized != nil && s.OnCandleFinalized != nil {
		s.OnCandleFinalized()
	}
	if s.store.Status() == series.StatusNoData {
		s.setStatus(series.StatusLive, nil)
	}
}

func (s *Session) setStatus(st series.Status, err error) {
	if e := s.store.SetStatus(s.gen, st, err); e != nil {
		s.log.Error("status update rejected", zap.Error(e))
	}
}

func (s *Session) dropped(reason string) {
	if s.OnDroppedTick != nil {
		s.OnDroppedTick(reason)
	}
}

func (s *Session) teardownLoad() {
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
}

func (s *Session) teardown() {
	s.teardownLoad()
	if s.removeListener != nil {
		s.removeListener()
		s.removeListener = nil
	}
	if s.sub.Instrument != "" {
		s.feed.Unsubscribe(s.sub.Instrument)
	}
	s.log.Info("session stopped", zap.String("selection", s.sub.Key()))
}
