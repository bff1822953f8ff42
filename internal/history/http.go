package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// HTTPSource reads bars from the market data REST service:
//
//	GET {base}/marketdata/history/{symbol}?interval=5M&from=<sec>&to=<sec>
//
// The response is a JSON array of {time(ms), open, high, low, close, volume}.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates a source. When ts is non-nil every request carries
// its bearer token.
func NewHTTPSource(baseURL string, timeout time.Duration, ts oauth2.TokenSource) *HTTPSource {
	client := &http.Client{Timeout: timeout}
	if ts != nil {
		client.Transport = &oauth2.Transport{Source: ts, Base: http.DefaultTransport}
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (s *HTTPSource) FetchBars(ctx context.Context, req Request) ([]RawBar, error) {
	q := url.Values{}
	q.Set("interval", req.Timeframe.String())
	q.Set("from", strconv.FormatInt(req.From, 10))
	q.Set("to", strconv.FormatInt(req.To, 10))
	endpoint := fmt.Sprintf("%s/marketdata/history/%s?%s", s.baseURL, url.PathEscape(req.Symbol), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "making request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("history service %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var bars []RawBar
	if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return bars, nil
}
