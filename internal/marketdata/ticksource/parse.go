package ticksource

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrMalformed is returned by ParseTick for messages that are not valid
	// ticks. They are counted and dropped, never delivered.
	ErrMalformed = errors.New("malformed tick")

	// ErrControl marks feed control frames (acks, heartbeats) that carry no
	// tick and are skipped silently.
	ErrControl = errors.New("control frame")
)

type wireTick struct {
	Type      string          `json:"type"`
	Token     json.RawMessage `json:"instrumentToken"`
	LastPrice json.RawMessage `json:"lastPrice"`
	Volume    json.RawMessage `json:"volume"`
	Change    json.RawMessage `json:"change"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseTick validates one feed message. now stamps ticks that carry no
// timestamp of their own.
func ParseTick(raw []byte, now time.Time) (model.Tick, error) {
	var w wireTick
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Tick{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if isNull(w.Token) {
		if w.Type != "" {
			return model.Tick{}, ErrControl
		}
		return model.Tick{}, errors.Wrap(ErrMalformed, "missing instrumentToken")
	}

	token, err := parseToken(w.Token)
	if err != nil {
		return model.Tick{}, err
	}
	tick := model.Tick{Token: token, TickTS: now.UTC()}

	price, ok, err := parseDecimal(w.LastPrice)
	switch {
	case err != nil:
		return model.Tick{}, errors.Wrap(ErrMalformed, "lastPrice: "+err.Error())
	case !ok:
		return model.Tick{}, errors.Wrap(ErrMalformed, "missing lastPrice")
	case !price.IsPositive():
		return model.Tick{}, errors.Wrapf(ErrMalformed, "lastPrice %s not positive", price)
	}
	tick.Price = price

	vol, ok, err := parseDecimal(w.Volume)
	if err != nil {
		return model.Tick{}, errors.Wrap(ErrMalformed, "volume: "+err.Error())
	}
	if ok {
		if vol.IsNegative() {
			return model.Tick{}, errors.Wrapf(ErrMalformed, "volume %s negative", vol)
		}
		tick.Volume = vol
	}

	chg, ok, err := parseDecimal(w.Change)
	if err != nil {
		return model.Tick{}, errors.Wrap(ErrMalformed, "change: "+err.Error())
	}
	if ok {
		tick.Change = &chg
	}

	if !isNull(w.Timestamp) {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return model.Tick{}, errors.Wrap(ErrMalformed, "timestamp: "+err.Error())
		}
		tick.TickTS = ts
	}
	return tick, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func parseToken(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.Wrap(ErrMalformed, "empty instrumentToken")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Wrap(ErrMalformed, "instrumentToken must be a string or number")
	}
	return n.String(), nil
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, bool, error) {
	if isNull(raw) {
		return decimal.Zero, false, nil
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err != nil {
		return decimal.Zero, false, err
	}
	return d, true, nil
}

// parseTimestamp accepts epoch seconds, milliseconds, microseconds or
// nanoseconds (told apart by magnitude), or RFC3339.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		raw = json.RawMessage(s)
	}
	if i, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		if i <= 0 {
			return time.Time{}, errors.Errorf("unsupported value %s", raw)
		}
		return epochTime(i).UTC(), nil
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || n <= 0 || n >= 9e18 {
		return time.Time{}, errors.Errorf("unsupported value %s", raw)
	}
	if n >= 1e12 {
		return epochTime(int64(n)).UTC(), nil
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), nil
}

func epochTime(n int64) time.Time {
	switch {
	case n >= 1e18:
		return time.Unix(0, n)
	case n >= 1e15:
		return time.UnixMicro(n)
	case n >= 1e12:
		return time.UnixMilli(n)
	default:
		return time.Unix(n, 0)
	}
}
