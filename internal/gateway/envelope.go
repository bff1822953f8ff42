package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// buildEnvelope wraps payload as {"type":...,"seq":N,"ts":"...","data":...}.
// The outer object is appended by hand so the payload is marshalled once.
func buildEnvelope(msgType string, seq int64, now time.Time, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, msgType...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf, nil
}
