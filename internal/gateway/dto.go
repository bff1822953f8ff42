package gateway

import (
	"candlefeed/internal/model"
	"candlefeed/internal/series"
)

// Server message types.
const (
	MsgSnapshot = "snapshot"
	MsgUpdate   = "update"
	MsgAck      = "ack"
	MsgError    = "error"
	MsgPong     = "pong"
)

// UpdateMsg carries the changes since the previous message of the same
// generation. Candles[0] belongs at index From of the client's finalized
// list; anything the client holds at or after From is replaced.
type UpdateMsg struct {
	Generation uint64           `json:"generation"`
	Version    uint64           `json:"version"`
	Status     series.Status    `json:"status"`
	Error      string           `json:"error,omitempty"`
	From       int              `json:"from"`
	Candles    []model.Candle   `json:"candles"`
	Partial    *model.Candle    `json:"partial,omitempty"`
	Indicators []IndicatorDelta `json:"indicators"`
	Stats      series.Stats     `json:"stats"`
}

// IndicatorDelta is the tail of one indicator series, same splice rule as
// UpdateMsg.Candles. A trailing point with live set is provisional.
type IndicatorDelta struct {
	Name   string                 `json:"name"`
	From   int                    `json:"from"`
	Points []model.IndicatorPoint `json:"points"`
}

// ClientMsg is any message a browser sends.
type ClientMsg struct {
	Type      string `json:"type"`
	ReqID     string `json:"reqId,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	Ping      int64  `json:"ping,omitempty"`
}

// AckMsg answers a select or retry request.
type AckMsg struct {
	ReqID   string `json:"reqId,omitempty"`
	Action  string `json:"action"`
	Started bool   `json:"started"`
}

// ErrorMsg reports a rejected request.
type ErrorMsg struct {
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// TimeframeInfo is the REST response type for /api/timeframes.
type TimeframeInfo struct {
	Code     string `json:"code"`
	Label    string `json:"label"`
	Seconds  int64  `json:"seconds"`
	Lookback string `json:"lookback"`
	Default  bool   `json:"default,omitempty"`
}

// SelectRequest is the body of POST /api/select.
type SelectRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}
