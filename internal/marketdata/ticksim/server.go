// Package ticksim is a WebSocket tick server that random-walks prices for a
// fixed set of instruments. It speaks the same subscribe protocol as the
// real feed, so chartd can run end to end without broker credentials.
package ticksim

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"candlefeed/internal/marketdata/ticksource"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Instrument is one simulated symbol.
type Instrument struct {
	Token string
	Price decimal.Decimal
}

// ParseInstruments parses "TOKEN:PRICE,TOKEN:PRICE".
func ParseInstruments(s string) ([]Instrument, error) {
	var out []Instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, price, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(token) == "" {
			return nil, errors.Errorf("instrument %q: want TOKEN:PRICE", part)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || !p.IsPositive() {
			return nil, errors.Errorf("instrument %q: price must be a positive number", part)
		}
		out = append(out, Instrument{Token: strings.TrimSpace(token), Price: p})
	}
	if len(out) == 0 {
		return nil, errors.New("no instruments configured")
	}
	return out, nil
}

// wireTick is the JSON frame sent to clients.
type wireTick struct {
	Token     string          `json:"instrumentToken"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Volume    int64           `json:"volume"`
	Change    decimal.Decimal `json:"change"`
	Timestamp int64           `json:"timestamp"` // unix ms
}

type client struct {
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

func (c *client) wants(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[token]
}

func (c *client) apply(msg ticksource.ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		switch msg.Action {
		case "subscribe":
			c.topics[t] = true
		case "unsubscribe":
			delete(c.topics, t)
		}
	}
}

// Server broadcasts simulated ticks to subscribed clients.
type Server struct {
	log      *zap.Logger
	interval time.Duration
	rng      *rand.Rand

	mu          sync.RWMutex
	clients     map[*client]bool
	instruments []Instrument
	open        []decimal.Decimal
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewServer creates a simulator ticking every interval.
func NewServer(instruments []Instrument, interval time.Duration, log *zap.Logger) *Server {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	open := make([]decimal.Decimal, len(instruments))
	for i, in := range instruments {
		open[i] = in.Price
	}
	return &Server{
		log:         log.Named("ticksim"),
		interval:    interval,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		clients:     make(map[*client]bool),
		instruments: append([]Instrument(nil), instruments...),
		open:        open,
	}
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ticksim"}`))
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{send: make(chan []byte, 256), topics: make(map[string]bool)}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		s.log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg ticksource.ControlMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.log.Debug("ignoring client frame", zap.ByteString("raw", raw))
				continue
			}
			c.apply(msg)
			ack, _ := json.Marshal(map[string]any{"type": "ack", "action": msg.Action, "topics": msg.Topics})
			select {
			case c.send <- ack:
			default:
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Step advances every instrument one random-walk step and broadcasts the
// ticks. It returns the frames produced.
func (s *Server) Step(now time.Time) [][]byte {
	s.mu.Lock()
	frames := make([][]byte, 0, len(s.instruments))
	tokens := make([]string, 0, len(s.instruments))
	for i := range s.instruments {
		in := &s.instruments[i]
		in.Price = walk(s.rng, in.Price)
		b, err := json.Marshal(wireTick{
			Token:     in.Token,
			LastPrice: in.Price,
			Volume:    int64(s.rng.Intn(100) + 1),
			Change:    in.Price.Sub(s.open[i]),
			Timestamp: now.UnixMilli(),
		})
		if err != nil {
			continue
		}
		frames = append(frames, b)
		tokens = append(tokens, in.Token)
	}
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		for i, b := range frames {
			if !c.wants(tokens[i]) {
				continue
			}
			select {
			case c.send <- b:
			default: // slow client, drop tick
			}
		}
	}
	return frames
}

// Run ticks until stop is closed.
func (s *Server) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// walk applies a move of at most 0.1% and keeps two decimals.
func walk(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat((rng.Float64()*0.2 - 0.1) / 100.0)
	next := price.Add(price.Mul(pct)).Round(2)
	if !next.IsPositive() {
		return decimal.New(1, -2)
	}
	return next
}
