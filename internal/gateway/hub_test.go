package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"candlefeed/internal/model"
	"candlefeed/internal/series"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type fakeController struct {
	mu      sync.Mutex
	selects []model.Subscription
	retries int
	err     error
}

func (f *fakeController) Select(_ context.Context, sub model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects = append(f.selects, sub)
	return f.err
}

func (f *fakeController) Retry(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return true, f.err
}

func (f *fakeController) selected() []model.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Subscription(nil), f.selects...)
}

func candle(ts int64, c float64) model.Candle {
	p := decimal.NewFromFloat(c)
	return model.Candle{OpenTime: ts, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1)}
}

type testServer struct {
	hub   *Hub
	store *series.Store
	ctrl  *fakeController
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := series.New([]model.IndicatorSpec{{Kind: model.KindSMA, Period: 2}}, nil)
	ctrl := &fakeController{}
	hub := NewHub(store, ctrl, nil)

	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, time.Now())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{hub: hub, store: store, ctrl: ctrl, srv: srv}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("bad envelope %s: %v", raw, err)
	}
	return env
}

func (ts *testServer) seed(t *testing.T, gen uint64, bars ...model.Candle) {
	t.Helper()
	ts.store.Reset(model.Subscription{Instrument: "AAPL", Timeframe: model.TF1Min}, gen)
	if err := ts.store.Seed(gen, bars); err != nil {
		t.Fatal(err)
	}
	if err := ts.hub.Render(context.Background(), ts.store.Snapshot()); err != nil {
		t.Fatal(err)
	}
}

func TestHub_NewClientGetsSnapshot(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, 1, candle(0, 1), candle(60, 2), candle(120, 3))

	conn := ts.dial(t)
	env := readEnvelope(t, conn)
	if env.Type != MsgSnapshot {
		t.Fatalf("expected snapshot, got %s", env.Type)
	}
	var snap series.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Candles) != 2 || snap.Partial == nil || snap.Partial.OpenTime != 120 {
		t.Errorf("expected 2 finalized + partial at 120, got %d candles partial %+v", len(snap.Candles), snap.Partial)
	}
	if snap.Subscription.Instrument != "AAPL" {
		t.Errorf("expected AAPL, got %s", snap.Subscription.Instrument)
	}
}

func TestHub_UpdateCarriesOnlyChanges(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, 1, candle(0, 1), candle(60, 2), candle(120, 3))
	conn := ts.dial(t)
	readEnvelope(t, conn)

	fin := candle(120, 3)
	if err := ts.store.Apply(1, model.SeriesUpdate{Finalized: &fin, Partial: candle(180, 4)}); err != nil {
		t.Fatal(err)
	}
	ts.hub.Render(context.Background(), ts.store.Snapshot())

	env := readEnvelope(t, conn)
	if env.Type != MsgUpdate {
		t.Fatalf("expected update, got %s", env.Type)
	}
	var up UpdateMsg
	if err := json.Unmarshal(env.Data, &up); err != nil {
		t.Fatal(err)
	}
	if up.From != 2 || len(up.Candles) != 1 || up.Candles[0].OpenTime != 120 {
		t.Errorf("expected from=2 with bar 120, got from=%d %+v", up.From, up.Candles)
	}
	if up.Partial == nil || up.Partial.OpenTime != 180 {
		t.Errorf("expected partial 180, got %+v", up.Partial)
	}
	if len(up.Indicators) != 1 {
		t.Fatalf("expected 1 indicator delta, got %d", len(up.Indicators))
	}
	d := up.Indicators[0]
	if d.Name != "SMA_2" || d.From != 1 || len(d.Points) != 2 {
		t.Fatalf("expected SMA_2 from=1 with 2 points, got %+v", d)
	}
	if d.Points[0].Time != 120 || d.Points[0].Live {
		t.Errorf("expected finalized point at 120, got %+v", d.Points[0])
	}
	if d.Points[1].Time != 180 || !d.Points[1].Live {
		t.Errorf("expected live point at 180, got %+v", d.Points[1])
	}
}

func TestHub_NewGenerationSendsSnapshot(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, 1, candle(0, 1))
	conn := ts.dial(t)
	readEnvelope(t, conn)

	ts.seed(t, 2, candle(300, 9))
	env := readEnvelope(t, conn)
	if env.Type != MsgSnapshot {
		t.Fatalf("expected snapshot after generation change, got %s", env.Type)
	}
	if got := ts.hub.Missed(0, 100); len(got) != 1 {
		t.Errorf("expected replay buffer reset to the new generation, got %d entries", len(got))
	}
}

func TestHub_ClientSelect(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	readEnvelope(t, conn)

	conn.WriteJSON(ClientMsg{Type: "select", ReqID: "a", Symbol: "MSFT", Timeframe: "15m"})
	env := readEnvelope(t, conn)
	if env.Type != MsgAck {
		t.Fatalf("expected ack, got %s: %s", env.Type, env.Data)
	}
	subs := ts.ctrl.selected()
	if len(subs) != 1 || subs[0].Instrument != "MSFT" || subs[0].Timeframe != model.TF15Min {
		t.Errorf("expected MSFT/15M selected, got %+v", subs)
	}

	conn.WriteJSON(ClientMsg{Type: "select", ReqID: "b", Symbol: "MSFT", Timeframe: "2w"})
	env = readEnvelope(t, conn)
	if env.Type != MsgError {
		t.Fatalf("expected error for unknown timeframe, got %s", env.Type)
	}
	var e ErrorMsg
	json.Unmarshal(env.Data, &e)
	if e.ReqID != "b" {
		t.Errorf("expected reqId b, got %q", e.ReqID)
	}
}

func TestHub_ClientSelectsAppliedInOrder(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	readEnvelope(t, conn)

	const rounds = 50
	for i := 0; i < rounds; i++ {
		conn.WriteJSON(ClientMsg{Type: "select", ReqID: "first", Symbol: "AAPL", Timeframe: "1M"})
		conn.WriteJSON(ClientMsg{Type: "select", ReqID: "second", Symbol: "AAPL", Timeframe: "5M"})
	}

	for i := 0; i < 2*rounds; i++ {
		env := readEnvelope(t, conn)
		var ack AckMsg
		json.Unmarshal(env.Data, &ack)
		want := "first"
		if i%2 == 1 {
			want = "second"
		}
		if env.Type != MsgAck || ack.ReqID != want {
			t.Fatalf("expected ack %s at position %d, got %s %+v", want, i, env.Type, ack)
		}
	}

	subs := ts.ctrl.selected()
	if len(subs) != 2*rounds {
		t.Fatalf("expected %d selects, got %d", 2*rounds, len(subs))
	}
	for i, sub := range subs {
		want := model.TF1Min
		if i%2 == 1 {
			want = model.TF5Min
		}
		if sub.Timeframe != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, sub.Timeframe)
		}
	}
	if last := subs[len(subs)-1]; last.Timeframe != model.TF5Min {
		t.Errorf("expected the last request to win, got %s", last.Timeframe)
	}
}

func TestHub_ClientRetryAndPing(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	readEnvelope(t, conn)

	conn.WriteJSON(ClientMsg{Type: "ping", Ping: 7})
	if env := readEnvelope(t, conn); env.Type != MsgPong {
		t.Errorf("expected pong, got %s", env.Type)
	}

	conn.WriteJSON(ClientMsg{Type: "retry", ReqID: "r"})
	env := readEnvelope(t, conn)
	var ack AckMsg
	json.Unmarshal(env.Data, &ack)
	if env.Type != MsgAck || ack.Action != "retry" || !ack.Started {
		t.Errorf("expected retry ack, got %s %+v", env.Type, ack)
	}
}

func TestHub_ClientCountTracksDisconnect(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	readEnvelope(t, conn)
	if n := ts.hub.ClientCount(); n != 1 {
		t.Fatalf("expected 1 client, got %d", n)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := ts.hub.ClientCount(); n != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", n)
	}
}

func TestRoutes_Timeframes(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/api/timeframes")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out []TimeframeInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 timeframes, got %d", len(out))
	}
	defaults := 0
	for _, tf := range out {
		if tf.Default {
			defaults++
			if tf.Code != "5M" {
				t.Errorf("expected 5M default, got %s", tf.Code)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("expected exactly one default, got %d", defaults)
	}
	if out[0].Seconds != 60 || out[4].Label != "1d" {
		t.Errorf("unexpected ordering %+v", out)
	}
}

func TestRoutes_Select(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/select", "application/json",
		strings.NewReader(`{"symbol":"AAPL","timeframe":"1H"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.srv.URL+"/api/select", "application/json", strings.NewReader(`{"symbol":"AAPL"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without timeframe, got %d", resp.StatusCode)
	}

	subs := ts.ctrl.selected()
	if len(subs) != 1 || subs[0].Timeframe != model.TF1Hour {
		t.Errorf("expected one 1H selection, got %+v", subs)
	}
}

func TestRoutes_SeriesAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, 3, candle(0, 1), candle(60, 2))

	resp, err := http.Get(ts.srv.URL + "/api/series")
	if err != nil {
		t.Fatal(err)
	}
	var snap series.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if snap.Generation != 3 || snap.Len() != 2 {
		t.Errorf("expected gen 3 with 2 bars, got gen %d len %d", snap.Generation, snap.Len())
	}

	resp, err = http.Get(ts.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["selection"] != "1M:AAPL" {
		t.Errorf("expected selection 1M:AAPL, got %v", health["selection"])
	}
}
