// Package ticksource maintains the live tick WebSocket connection.
//
// A Source keeps the set of instruments the application wants to receive
// (the desired set). The set survives connection loss: every successful
// (re)connect subscribes the whole set again, and Subscribe/Unsubscribe
// calls made while disconnected take effect on the next connect.
//
// Subscriptions are reference counted so several consumers can share one
// Source: an instrument stays in the desired set until every Subscribe has
// been matched by an Unsubscribe.
package ticksource

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"candlefeed/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// State is the connection state of a Source.
type State int32

const (
	StateDisconnected State = 0
	StateConnecting   State = 1
	StateConnected    State = 2
	StateReconnecting State = 3
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// Config holds configuration for the tick WebSocket.
type Config struct {
	// URL of the tick WebSocket, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the fixed delay before each reconnection attempt.
	// Defaults to 5 seconds if zero.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the WebSocket handshake. Defaults to 10s.
	HandshakeTimeout time.Duration

	// TokenSource supplies the bearer credential sent with the handshake.
	// Optional.
	TokenSource oauth2.TokenSource
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Listener receives ticks for one instrument. It runs on the read
// goroutine and must not block.
type Listener = func(model.Tick)

// ControlMessage is the subscription frame sent to the feed.
type ControlMessage struct {
	Action string   `json:"action"` // "subscribe" | "unsubscribe"
	Topics []string `json:"topics"`
}

// Source is a reconnecting tick feed client.
type Source struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer

	// mu guards the desired set, the listeners, the state and every write
	// to conn, so a subscription change can never interleave with the
	// resubscribe that follows a reconnect.
	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	desired   map[string]int // instrument -> holders
	listeners map[string]map[int]Listener
	nextID    int

	// Optional hooks, set before Run.
	OnStateChange func(State)
	OnReconnect   func()
	OnMalformed   func(raw []byte, err error)
	OnTick        func(model.Tick)
}

// New creates a Source. Returns an error if the URL is unparseable.
func New(cfg Config, log *zap.Logger) (*Source, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "tick source url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("tick source url %q: scheme must be ws or wss", cfg.URL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		cfg:       cfg,
		log:       log.Named("ticksource"),
		dialer:    &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		desired:   make(map[string]int),
		listeners: make(map[string]map[int]Listener),
	}, nil
}

// State returns the current connection state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Desired returns the desired subscription set, sorted.
func (s *Source) Desired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desiredLocked()
}

func (s *Source) desiredLocked() []string {
	out := make([]string, 0, len(s.desired))
	for k := range s.desired {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Subscribe takes a hold on instrument. The first hold adds it to the
// desired set and is sent immediately when connected, otherwise on the next
// connect.
func (s *Source) Subscribe(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired[instrument]++
	if s.desired[instrument] > 1 {
		return
	}
	s.sendLocked(ControlMessage{Action: "subscribe", Topics: []string{instrument}})
}

// Unsubscribe releases one hold on instrument. The feed is told to stop
// only when the last hold is released.
func (s *Source) Unsubscribe(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.desired[instrument]
	if !ok {
		return
	}
	if n > 1 {
		s.desired[instrument] = n - 1
		return
	}
	delete(s.desired, instrument)
	s.sendLocked(ControlMessage{Action: "unsubscribe", Topics: []string{instrument}})
}

// AddListener registers fn for ticks of instrument. The returned function
// removes it. Listening does not subscribe.
func (s *Source) AddListener(instrument string, fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[instrument] == nil {
		s.listeners[instrument] = make(map[int]Listener)
	}
	s.listeners[instrument][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners[instrument], id)
			if len(s.listeners[instrument]) == 0 {
				delete(s.listeners, instrument)
			}
			s.mu.Unlock()
		})
	}
}

// sendLocked writes a control frame if connected. A failed write is logged;
// the read loop notices the broken connection and reconnects, which
// resubscribes the full set.
func (s *Source) sendLocked(msg ControlMessage) {
	if s.state != StateConnected || s.conn == nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Warn("control write failed", zap.String("action", msg.Action), zap.Strings("topics", msg.Topics), zap.Error(err))
	}
}

func (s *Source) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.OnStateChange != nil {
		s.OnStateChange(st)
	}
}

func (s *Source) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

// Run connects and streams ticks until ctx is cancelled, reconnecting after
// a fixed delay whenever the connection fails or drops.
func (s *Source) Run(ctx context.Context) error {
	s.setState(StateConnecting)
	defer s.setState(StateDisconnected)

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.log.Warn("disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", s.cfg.ReconnectDelay),
		)
		s.setState(StateReconnecting)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (s *Source) runOnce(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.TokenSource != nil {
		tok, err := s.cfg.TokenSource.Token()
		if err != nil {
			return errors.Wrap(err, "token")
		}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	s.mu.Lock()
	s.conn = conn
	s.setStateLocked(StateConnected)
	topics := s.desiredLocked()
	if len(topics) > 0 {
		s.sendLocked(ControlMessage{Action: "subscribe", Topics: topics})
	}
	s.mu.Unlock()

	s.log.Info("connected", zap.String("url", s.cfg.URL), zap.Strings("topics", topics))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			s.mu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		s.dispatch(raw)
	}
}

func (s *Source) dispatch(raw []byte) {
	tick, err := ParseTick(raw, time.Now())
	if err != nil {
		if errors.Is(err, ErrControl) {
			return
		}
		s.log.Debug("dropping malformed message", zap.ByteString("raw", raw), zap.Error(err))
		if s.OnMalformed != nil {
			s.OnMalformed(raw, err)
		}
		return
	}
	if s.OnTick != nil {
		s.OnTick(tick)
	}

	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners[tick.Token]))
	for _, fn := range s.listeners[tick.Token] {
		ls = append(ls, fn)
	}
	s.mu.Unlock()

	for _, fn := range ls {
		fn(tick)
	}
}
