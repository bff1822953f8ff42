// Package gateway serves a chart view to browsers over WebSocket and REST.
//
// The Hub is a series.Sink: every rendered snapshot is turned into either a
// full "snapshot" message (new selection) or an "update" message carrying
// only what changed, and fanned out to every connected client. Clients drive
// the view back through the Controller with "select" and "retry" messages.
package gateway

import (
	"context"
	"sync"
	"time"

	"candlefeed/internal/model"
	"candlefeed/internal/series"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Controller changes what the chart shows.
type Controller interface {
	Select(ctx context.Context, sub model.Subscription) error
	Retry(ctx context.Context) (bool, error)
}

// Hub manages WebSocket clients and fans out series changes.
type Hub struct {
	log   *zap.Logger
	ctrl  Controller
	store *series.Store

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	// delta cursor for the generation last broadcast
	rendered  bool
	gen       uint64
	candles   int
	indicator []int

	replay *ReplayBuffer

	// OnRender is called with the fan-out duration of every broadcast.
	OnRender func(time.Duration)
}

// NewHub creates a Hub reading from store and forwarding client requests to ctrl.
func NewHub(store *series.Store, ctrl Controller, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log.Named("gateway"),
		ctrl:    ctrl,
		store:   store,
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(500),
	}
}

// Render implements series.Sink.
func (h *Hub) Render(_ context.Context, snap series.Snapshot) error {
	start := time.Now()

	h.mu.Lock()
	var msgType string
	var payload any
	if !h.rendered || snap.Generation != h.gen {
		msgType = MsgSnapshot
		payload = snap
		h.replay.Reset(snap.Generation)
	} else {
		msgType = MsgUpdate
		payload = h.deltaLocked(snap)
	}
	h.rendered = true
	h.gen = snap.Generation
	h.advanceLocked(snap)

	h.seq++
	env, err := buildEnvelope(msgType, h.seq, start, payload)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.replay.Push(h.seq, env)

	for client := range h.clients {
		select {
		case client.send <- env:
		default:
			h.log.Warn("client send buffer full, dropping message", zap.Int64("seq", h.seq))
		}
	}
	h.mu.Unlock()

	if h.OnRender != nil {
		h.OnRender(time.Since(start))
	}
	return nil
}

// deltaLocked builds the update for snap relative to the last broadcast.
func (h *Hub) deltaLocked(snap series.Snapshot) UpdateMsg {
	from := h.candles
	if from > len(snap.Candles) {
		from = len(snap.Candles)
	}
	up := UpdateMsg{
		Generation: snap.Generation,
		Version:    snap.Version,
		Status:     snap.Status,
		Error:      snap.Error,
		From:       from,
		Candles:    snap.Candles[from:],
		Partial:    snap.Partial,
		Stats:      snap.Stats,
		Indicators: make([]IndicatorDelta, len(snap.Indicators)),
	}
	for i, s := range snap.Indicators {
		final := finalizedPoints(s.Points)
		start := 0
		if i < len(h.indicator) {
			start = h.indicator[i]
		}
		if start > final {
			start = final
		}
		up.Indicators[i] = IndicatorDelta{
			Name:   s.Name,
			From:   start,
			Points: s.Points[start:],
		}
	}
	return up
}

func (h *Hub) advanceLocked(snap series.Snapshot) {
	h.candles = len(snap.Candles)
	h.indicator = h.indicator[:0]
	for _, s := range snap.Indicators {
		h.indicator = append(h.indicator, finalizedPoints(s.Points))
	}
}

// finalizedPoints counts points excluding a trailing live one.
func finalizedPoints(pts []model.IndicatorPoint) int {
	n := len(pts)
	if n > 0 && pts[n-1].Live {
		return n - 1
	}
	return n
}

// Attach registers a WebSocket connection and sends it the current snapshot.
func (h *Hub) Attach(conn *websocket.Conn) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.seq++
	env, err := buildEnvelope(MsgSnapshot, h.seq, time.Now(), h.store.Snapshot())
	if err == nil {
		client.send <- env
	}
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	if err != nil {
		h.log.Error("initial snapshot encode failed", zap.Error(err))
	}
	h.log.Info("ws client connected", zap.Int("clients", count))

	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Missed returns buffered envelopes of the current generation with seq in
// [from, to], for clients that detected a gap.
func (h *Hub) Missed(from, to int64) [][]byte {
	entries := h.replay.Range(from, to)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}
