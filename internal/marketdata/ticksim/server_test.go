package ticksim

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"candlefeed/internal/marketdata/ticksource"
	"candlefeed/internal/model"

	"github.com/shopspring/decimal"
)

func TestParseInstruments(t *testing.T) {
	got, err := ParseInstruments("AAPL:190.5, MSFT:410")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Token != "MSFT" || !got[1].Price.Equal(decimal.NewFromInt(410)) {
		t.Errorf("unexpected instruments %+v", got)
	}

	for _, bad := range []string{"", "AAPL", "AAPL:-1", ":5", "AAPL:abc"} {
		if _, err := ParseInstruments(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestStepProducesParsableTicks(t *testing.T) {
	s := NewServer([]Instrument{{Token: "AAPL", Price: decimal.NewFromInt(100)}}, time.Second, nil)
	now := time.UnixMilli(1_700_000_000_123)

	frames := s.Step(now)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	tick, err := ticksource.ParseTick(frames[0], time.Now())
	if err != nil {
		t.Fatalf("simulated frame rejected: %v (%s)", err, frames[0])
	}
	if tick.Token != "AAPL" || !tick.TickTS.Equal(now) {
		t.Errorf("unexpected tick %+v", tick)
	}
	lo, hi := decimal.NewFromFloat(99.89), decimal.NewFromFloat(100.11)
	if tick.Price.LessThan(lo) || tick.Price.GreaterThan(hi) {
		t.Errorf("expected price within 0.1%% of 100, got %s", tick.Price)
	}
}

func TestSubscribedClientReceivesOnlyItsTopics(t *testing.T) {
	s := NewServer([]Instrument{
		{Token: "AAPL", Price: decimal.NewFromInt(100)},
		{Token: "MSFT", Price: decimal.NewFromInt(400)},
	}, time.Hour, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	src, err := ticksource.New(ticksource.Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan model.Tick, 16)
	src.AddListener("MSFT", func(tk model.Tick) { got <- tk })
	src.AddListener("AAPL", func(tk model.Tick) { t.Errorf("unexpected AAPL tick") })
	src.Subscribe("MSFT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		s.Step(time.Now())
		select {
		case tk := <-got:
			if tk.Token != "MSFT" {
				t.Fatalf("expected MSFT, got %s", tk.Token)
			}
			return
		case <-deadline:
			t.Fatal("expected a MSFT tick")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
