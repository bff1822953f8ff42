package ticksource

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func TestParseTick_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name   string
		raw    string
		token  string
		price  string
		volume string
		ts     time.Time
	}{
		{"string price, ms timestamp", `{"instrumentToken":"3045","lastPrice":"185.50","volume":10,"timestamp":1700000001500}`,
			"3045", "185.5", "10", time.UnixMilli(1_700_000_001_500)},
		{"microsecond timestamp", `{"instrumentToken":"3045","lastPrice":1,"timestamp":1700000001500250}`,
			"3045", "1", "0", time.UnixMicro(1_700_000_001_500_250)},
		{"nanosecond timestamp", `{"instrumentToken":"3045","lastPrice":1,"timestamp":1700000001500250123}`,
			"3045", "1", "0", time.Unix(0, 1_700_000_001_500_250_123)},
		{"fractional seconds", `{"instrumentToken":"3045","lastPrice":1,"timestamp":1700000002.5}`,
			"3045", "1", "0", time.Unix(1_700_000_002, 500_000_000)},
		{"numeric token and seconds", `{"instrumentToken":3045,"lastPrice":185.5,"timestamp":1700000002}`,
			"3045", "185.5", "0", time.Unix(1_700_000_002, 0)},
		{"rfc3339", `{"instrumentToken":"NIFTY","lastPrice":"22000","timestamp":"2024-01-02T03:04:05Z"}`,
			"NIFTY", "22000", "0", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"no timestamp uses receive time", `{"instrumentToken":"3045","lastPrice":1,"change":-0.5}`,
			"3045", "1", "0", now},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tick, err := ParseTick([]byte(c.raw), now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tick.Token != c.token {
				t.Errorf("expected token %s, got %s", c.token, tick.Token)
			}
			if !tick.Price.Equal(decimal.RequireFromString(c.price)) {
				t.Errorf("expected price %s, got %s", c.price, tick.Price)
			}
			if !tick.Volume.Equal(decimal.RequireFromString(c.volume)) {
				t.Errorf("expected volume %s, got %s", c.volume, tick.Volume)
			}
			if !tick.TickTS.Equal(c.ts) {
				t.Errorf("expected ts %v, got %v", c.ts, tick.TickTS)
			}
		})
	}
}

func TestParseTick_Change(t *testing.T) {
	tick, err := ParseTick([]byte(`{"instrumentToken":"1","lastPrice":2,"change":"-0.25"}`), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Change == nil || !tick.Change.Equal(decimal.RequireFromString("-0.25")) {
		t.Errorf("expected change -0.25, got %v", tick.Change)
	}
}

func TestParseTick_Rejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"lastPrice":"1"}`,
		`{"instrumentToken":"","lastPrice":"1"}`,
		`{"instrumentToken":"1"}`,
		`{"instrumentToken":"1","lastPrice":"abc"}`,
		`{"instrumentToken":"1","lastPrice":0}`,
		`{"instrumentToken":"1","lastPrice":-3}`,
		`{"instrumentToken":"1","lastPrice":1,"volume":-1}`,
		`{"instrumentToken":"1","lastPrice":1,"timestamp":"yesterday"}`,
		`{"instrumentToken":"1","lastPrice":1,"timestamp":-5}`,
		`{"instrumentToken":"1","lastPrice":1,"timestamp":1e30}`,
		`{"instrumentToken":true,"lastPrice":1}`,
	} {
		if _, err := ParseTick([]byte(raw), time.Now()); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestParseTick_ControlFrame(t *testing.T) {
	_, err := ParseTick([]byte(`{"type":"subscribed","topics":["3045"]}`), time.Now())
	if !errors.Is(err, ErrControl) {
		t.Errorf("expected ErrControl, got %v", err)
	}
}
