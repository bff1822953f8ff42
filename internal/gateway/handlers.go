package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"candlefeed/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, processStart time.Time) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		hub.Attach(conn)
	})

	// REST: current series snapshot
	mux.HandleFunc("/api/series", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, hub.store.Snapshot())
	})

	// REST: available timeframes
	mux.HandleFunc("/api/timeframes", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		out := make([]TimeframeInfo, 0, len(model.AllTimeframes()))
		for _, tf := range model.AllTimeframes() {
			out = append(out, TimeframeInfo{
				Code:     tf.String(),
				Label:    tf.Label(),
				Seconds:  tf.BucketSize(),
				Lookback: tf.Lookback().String(),
				Default:  tf == model.DefaultTimeframe,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	// REST: POST /api/select {"symbol":"AAPL","timeframe":"5m"}
	mux.HandleFunc("/api/select", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, ErrorMsg{Error: "POST required"})
			return
		}
		var req SelectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorMsg{Error: "invalid JSON"})
			return
		}
		tf, err := model.ParseTimeframe(req.Timeframe)
		if err != nil || req.Symbol == "" {
			writeJSON(w, http.StatusBadRequest, ErrorMsg{Error: "symbol and a known timeframe are required"})
			return
		}
		if err := hub.ctrl.Select(r.Context(), model.Subscription{Instrument: req.Symbol, Timeframe: tf}); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorMsg{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, AckMsg{Action: "select", Started: true})
	})

	// REST: POST /api/retry
	mux.HandleFunc("/api/retry", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, ErrorMsg{Error: "POST required"})
			return
		}
		started, err := hub.ctrl.Retry(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorMsg{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, AckMsg{Action: "retry", Started: started})
	})

	// REST: GET /api/missed?from=N&to=M replays broadcast envelopes for gap backfill
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		if err1 != nil || err2 != nil || from > to {
			writeJSON(w, http.StatusBadRequest, ErrorMsg{Error: "from and to are required, from <= to"})
			return
		}
		envs := hub.Missed(from, to)
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		snap := hub.store.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"selection":    snap.Subscription.Key(),
			"seriesStatus": snap.Status,
			"generation":   snap.Generation,
			"wsClients":    hub.ClientCount(),
			"uptimeSec":    int64(time.Since(processStart).Seconds()),
			"ts":           time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
