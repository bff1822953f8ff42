package gateway

import (
	"context"
	"encoding/json"
	"time"

	"candlefeed/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	requestTimeout = 5 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one envelope per frame; clients parse each frame as a single JSON object
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "invalid message: "+err.Error())
			continue
		}

		// Requests are handled in arrival order so the last select wins.
		// Select returns once the switch is queued, not after the load.
		switch msg.Type {
		case "select":
			c.handleSelect(msg)
		case "retry":
			c.handleRetry(msg)
		case "ping":
			c.sendJSON(MsgPong, map[string]int64{
				"ping":     msg.Ping,
				"serverTs": time.Now().UnixMilli(),
			})
		default:
			c.sendError(msg.ReqID, "unknown message type "+msg.Type)
		}
	}
}

func (c *Client) handleSelect(msg ClientMsg) {
	tf, err := model.ParseTimeframe(msg.Timeframe)
	if err != nil {
		c.sendError(msg.ReqID, err.Error())
		return
	}
	if msg.Symbol == "" {
		c.sendError(msg.ReqID, "symbol is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sub := model.Subscription{Instrument: msg.Symbol, Timeframe: tf}
	if err := c.hub.ctrl.Select(ctx, sub); err != nil {
		c.sendError(msg.ReqID, err.Error())
		return
	}
	c.hub.log.Info("client selected series", zap.String("selection", sub.Key()))
	c.sendJSON(MsgAck, AckMsg{ReqID: msg.ReqID, Action: "select", Started: true})
}

func (c *Client) handleRetry(msg ClientMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	started, err := c.hub.ctrl.Retry(ctx)
	if err != nil {
		c.sendError(msg.ReqID, err.Error())
		return
	}
	c.sendJSON(MsgAck, AckMsg{ReqID: msg.ReqID, Action: "retry", Started: started})
}

func (c *Client) sendError(reqID, text string) {
	c.sendJSON(MsgError, ErrorMsg{ReqID: reqID, Error: text})
}

// sendJSON queues a direct reply. Replies carry seq 0 since they are not
// part of the broadcast stream.
func (c *Client) sendJSON(msgType string, payload any) {
	env, err := buildEnvelope(msgType, 0, time.Now(), payload)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- env:
	default:
	}
}
