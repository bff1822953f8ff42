package history

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"candlefeed/internal/model"
)

// Request selects the bars a Source should return. From and To are
// inclusive Unix seconds.
type Request struct {
	Symbol    string
	Timeframe model.Timeframe
	From      int64
	To        int64
}

// RawBar is a bar as delivered by a history backend: millisecond open time
// and textual prices. Values are validated by the Loader, not the Source.
type RawBar struct {
	Time   int64      `json:"time"`
	Open   flexString `json:"open"`
	High   flexString `json:"high"`
	Low    flexString `json:"low"`
	Close  flexString `json:"close"`
	Volume flexString `json:"volume"`
}

// Source fetches raw bars from one backend.
type Source interface {
	FetchBars(ctx context.Context, req Request) ([]RawBar, error)
}

// flexString accepts a JSON string or number and keeps its text form, so
// prices survive without a float round-trip.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Window returns the default [from, to] request range for tf ending at now.
func Window(tf model.Timeframe, now time.Time) (int64, int64) {
	to := now.Unix()
	return to - int64(tf.Lookback()/time.Second), to
}
