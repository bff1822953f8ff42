package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

func TestHTTPSource_FetchBars(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"time": 1700000040000, "open": "10.5", "high": "11", "low": 10, "close": 10.75, "volume": 120},
			{"time": 1700000100000, "open": "10.75", "high": "12", "low": "10.5", "close": "11.5", "volume": null}
		]`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", 2*time.Second, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"}))
	bars, err := src.FetchBars(context.Background(), Request{Symbol: "3045", Timeframe: model.TF1Min, From: 100, To: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/marketdata/history/3045" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotQuery != "from=100&interval=1M&to=200" {
		t.Errorf("unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Low != "10" || bars[0].Close != "10.75" || bars[0].Open != "10.5" {
		t.Errorf("unexpected bar: %+v", bars[0])
	}
	if bars[1].Volume != "" {
		t.Errorf("expected null volume to be empty, got %q", bars[1].Volume)
	}
}

func TestHTTPSource_ThroughLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	l := NewLoader(NewHTTPSource(srv.URL, time.Second, nil), nil)
	if _, err := l.Load(context.Background(), "3045", model.TF1Min, 0, 100); !errors.Is(err, ErrEmptyRange) {
		t.Errorf("expected ErrEmptyRange, got %v", err)
	}
}

func TestHTTPSource_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewLoader(NewHTTPSource(srv.URL, time.Second, nil), nil)
	if _, err := l.Load(context.Background(), "3045", model.TF1Min, 0, 100); !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestHTTPSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := NewLoader(NewHTTPSource(url, time.Second, nil), nil)
	if _, err := l.Load(context.Background(), "3045", model.TF1Min, 0, 100); !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}
