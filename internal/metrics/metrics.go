// Package metrics exposes Prometheus metrics and the process health endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics of chartd.
type Metrics struct {
	TicksTotal      prometheus.Counter
	DroppedTicks    *prometheus.CounterVec // labels: reason
	CandlesTotal    prometheus.Counter
	IndicatorPoints *prometheus.CounterVec // labels: indicator

	WSReconnects    prometheus.Counter
	TickSourceState prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=reconnecting
	MalformedFrames prometheus.Counter

	HistoryLoads   *prometheus.CounterVec // labels: result
	HistoryLoadDur prometheus.Histogram

	SinkPublishDur *prometheus.HistogramVec // labels: sink
	SinkDrops      prometheus.Counter
	WSClients      prometheus.Gauge

	RedisCircuitBreakerState prometheus.Gauge // 0=closed 1=open 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_ticks_total",
			Help: "Ticks delivered to the chart session",
		}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlefeed_dropped_ticks_total",
			Help: "Ticks not applied to the series, by reason",
		}, []string{"reason"}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_candles_finalized_total",
			Help: "Candles finalized from live ticks",
		}),
		IndicatorPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlefeed_indicator_points_total",
			Help: "Finalized indicator points computed",
		}, []string{"indicator"}),

		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_ws_reconnects_total",
			Help: "Tick feed reconnection attempts",
		}),
		TickSourceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_tick_source_state",
			Help: "Tick feed connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_malformed_frames_total",
			Help: "Feed frames that could not be parsed as ticks",
		}),

		HistoryLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlefeed_history_loads_total",
			Help: "History loads by result (ok, empty, error, cancelled)",
		}, []string{"result"}),
		HistoryLoadDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlefeed_history_load_duration_seconds",
			Help:    "History load latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		SinkPublishDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlefeed_sink_publish_duration_seconds",
			Help:    "Time to render one snapshot, by sink",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"sink"}),
		SinkDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_sink_notifications_dropped_total",
			Help: "Change notifications conflated because a sink was behind",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_ws_clients",
			Help: "Connected chart WebSocket clients",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.CandlesTotal,
		m.IndicatorPoints,
		m.WSReconnects,
		m.TickSourceState,
		m.MalformedFrames,
		m.HistoryLoads,
		m.HistoryLoadDur,
		m.SinkPublishDur,
		m.SinkDrops,
		m.WSClients,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)
	return m
}

// HealthStatus is the process health reported on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState      string
	LastTickTime   time.Time
	Selection      string
	SeriesStatus   string
	RedisEnabled   bool
	RedisConnected bool
	RedisLatencyMs float64
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a health status with the start time set.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState: "disconnected",
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedState(s string) {
	h.mu.Lock()
	h.FeedState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSeries(selection, status string) {
	h.mu.Lock()
	h.Selection = selection
	h.SeriesStatus = status
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker pings dependencies every interval until ctx is done.
// rdb may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	if rdb == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.CheckRedis(probeCtx, rdb)
			cancel()
		}
	}
}

// ServeHTTP handles the /healthz endpoint. The process is degraded while
// the feed is not connected or an enabled Redis is unreachable.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if h.FeedState != "connected" || (h.RedisEnabled && !h.RedisConnected) {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		FeedState      string  `json:"feed_state"`
		LastTickTime   string  `json:"last_tick_time"`
		TickAge        string  `json:"tick_age"`
		Selection      string  `json:"selection"`
		SeriesStatus   string  `json:"series_status"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
	}{
		Status:         overall,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedState:      h.FeedState,
		LastTickTime:   lastTick,
		TickAge:        tickAge,
		Selection:      h.Selection,
		SeriesStatus:   h.SeriesStatus,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log.Named("metrics"),
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
