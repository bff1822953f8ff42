package history

import (
	"context"
	"testing"
	"time"

	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type fakeSource struct {
	bars  []RawBar
	err   error
	block bool
	req   Request
}

func (f *fakeSource) FetchBars(ctx context.Context, req Request) ([]RawBar, error) {
	f.req = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.bars, f.err
}

func raw(ms int64, o, h, l, c, v string) RawBar {
	return RawBar{Time: ms, Open: flexString(o), High: flexString(h), Low: flexString(l), Close: flexString(c), Volume: flexString(v)}
}

func TestLoader_NormalizesToBuckets(t *testing.T) {
	src := &fakeSource{bars: []RawBar{
		raw(1_700_000_160_000, "12", "13", "11", "12.5", "7"),
		raw(1_700_000_040_500, "10", "11", "9", "10.5", "5"),
		raw(1_700_000_100_000, "10.5", "12", "10", "12", "6"),
	}}
	l := NewLoader(src, nil)

	candles, err := l.Load(context.Background(), "3045", model.TF1Min, 1_699_999_000, 1_700_000_200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.req.Symbol != "3045" || src.req.Timeframe != model.TF1Min || src.req.From != 1_699_999_000 {
		t.Errorf("unexpected request: %+v", src.req)
	}
	want := []int64{1_700_000_040 - 1_700_000_040%60, 1_700_000_100 - 1_700_000_100%60, 1_700_000_160 - 1_700_000_160%60}
	if len(candles) != len(want) {
		t.Fatalf("expected %d candles, got %d", len(want), len(candles))
	}
	for i, w := range want {
		if candles[i].OpenTime != w {
			t.Errorf("candle %d: expected openTime=%d, got %d", i, w, candles[i].OpenTime)
		}
		if candles[i].OpenTime%60 != 0 {
			t.Errorf("candle %d: openTime %d not bucket aligned", i, candles[i].OpenTime)
		}
	}
	if !candles[0].Close.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("expected close=10.5, got %s", candles[0].Close)
	}
}

func TestLoader_MergesDuplicatesAndSkipsMalformed(t *testing.T) {
	src := &fakeSource{bars: []RawBar{
		raw(60_000, "10", "12", "9", "11", "1"),
		raw(90_000, "11", "15", "10", "14", "2"), // same 1m bucket
		raw(120_000, "abc", "1", "1", "1", "1"),
		raw(180_000, "10", "9", "11", "10", "1"), // high < low
		raw(240_000, "-1", "1", "1", "1", "1"),
		raw(0, "1", "1", "1", "1", "1"),
		raw(300_000, "20", "21", "19", "20", ""),
	}}
	candles, err := NewLoader(src, nil).Load(context.Background(), "X", model.TF1Min, 0, 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	m := candles[0]
	if m.OpenTime != 60 || !m.Open.Equal(decimal.NewFromInt(10)) || !m.High.Equal(decimal.NewFromInt(15)) ||
		!m.Low.Equal(decimal.NewFromInt(9)) || !m.Close.Equal(decimal.NewFromInt(14)) || !m.Volume.Equal(decimal.NewFromInt(3)) {
		t.Errorf("unexpected merged candle: %+v", m)
	}
	if !candles[1].Volume.IsZero() {
		t.Errorf("expected missing volume to be zero, got %s", candles[1].Volume)
	}
}

func TestLoader_EmptyRange(t *testing.T) {
	var results []string
	l := NewLoader(&fakeSource{}, nil)
	l.OnLoad = func(r string, _ time.Duration) { results = append(results, r) }

	_, err := l.Load(context.Background(), "X", model.TF5Min, 0, 100)
	if !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("expected ErrEmptyRange, got %v", err)
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("empty range must not be reported as a network error")
	}

	// All rows malformed is also empty.
	l = NewLoader(&fakeSource{bars: []RawBar{raw(60_000, "x", "x", "x", "x", "x")}}, nil)
	if _, err := l.Load(context.Background(), "X", model.TF5Min, 0, 100); !errors.Is(err, ErrEmptyRange) {
		t.Errorf("expected ErrEmptyRange for all-malformed rows, got %v", err)
	}
	if len(results) != 1 || results[0] != "empty" {
		t.Errorf("expected [empty], got %v", results)
	}
}

func TestLoader_NetworkError(t *testing.T) {
	l := NewLoader(&fakeSource{err: errors.New("connection refused")}, nil)
	_, err := l.Load(context.Background(), "X", model.TF5Min, 0, 100)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestLoader_Cancelled(t *testing.T) {
	l := NewLoader(&fakeSource{block: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := l.Load(ctx, "X", model.TF5Min, 0, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("cancellation must not be reported as a network error")
	}
}

func TestLoader_UnknownTimeframe(t *testing.T) {
	_, err := NewLoader(&fakeSource{}, nil).Load(context.Background(), "X", model.Timeframe("2W"), 0, 100)
	if !errors.Is(err, model.ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe, got %v", err)
	}
}

func TestWindow(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	from, to := Window(model.TF5Min, now)
	if to != 1_000_000 || from != 1_000_000-259200 {
		t.Errorf("expected [%d, %d], got [%d, %d]", 1_000_000-259200, 1_000_000, from, to)
	}
}
