package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"candlefeed/internal/chart"
	"candlefeed/internal/gateway"
	"candlefeed/internal/history"
	"candlefeed/internal/marketdata/ticksource"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"
	"candlefeed/internal/series"
	redisstore "candlefeed/internal/store/redis"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serve(c *cli.Context) error {
	cfg := appConfig(c)
	log := appLogger(c)
	start := time.Now()

	sub, err := selection(c, cfg)
	if err != nil {
		return err
	}
	specs, err := cfg.ParseIndicators()
	if err != nil {
		return err
	}
	log.Info("starting chartd",
		zap.String("selection", sub.Key()),
		zap.Int("indicators", len(specs)),
	)

	// ---- metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- history ----
	src, closeSrc, err := openHistorySource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSrc()
	loader := history.NewLoader(src, log)
	loader.OnLoad = func(result string, elapsed time.Duration) {
		prom.HistoryLoads.WithLabelValues(result).Inc()
		prom.HistoryLoadDur.Observe(elapsed.Seconds())
	}

	// ---- tick feed ----
	feed, err := ticksource.New(ticksource.Config{
		URL:              cfg.Feed.URL,
		ReconnectDelay:   cfg.Feed.ReconnectDelay,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		TokenSource:      tokenSource(cfg),
	}, log)
	if err != nil {
		return err
	}
	feed.OnStateChange = func(s ticksource.State) {
		prom.TickSourceState.Set(float64(s))
		health.SetFeedState(s.String())
	}
	feed.OnReconnect = prom.WSReconnects.Inc
	feed.OnMalformed = func([]byte, error) {
		prom.MalformedFrames.Inc()
		prom.DroppedTicks.WithLabelValues("malformed").Inc()
	}
	feed.OnTick = func(model.Tick) { health.SetLastTickTime(time.Now()) }

	// ---- series & session ----
	store := series.New(specs, log)
	store.SetOnDrop(func(int) { prom.SinkDrops.Inc() })
	store.OnIndicatorPoint = func(name string) { prom.IndicatorPoints.WithLabelValues(name).Inc() }

	session := chart.NewSession(chart.Config{
		PendingTicks: cfg.Chart.PendingTicks,
		QueueSize:    cfg.Chart.QueueSize,
	}, loader, feed, store, log)
	session.OnTick = prom.TicksTotal.Inc
	session.OnDroppedTick = func(reason string) { prom.DroppedTicks.WithLabelValues(reason).Inc() }
	session.OnCandleFinalized = prom.CandlesTotal.Inc

	// ---- sinks ----
	hub := gateway.NewHub(store, session, log)
	hub.OnRender = func(d time.Duration) {
		prom.SinkPublishDur.WithLabelValues("ws").Observe(d.Seconds())
		prom.WSClients.Set(float64(hub.ClientCount()))
	}
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, start)
	gwSrv := &http.Server{Addr: cfg.Gateway.Addr, Handler: mux}

	healthSink := series.SinkFunc(func(_ context.Context, snap series.Snapshot) error {
		health.SetSeries(snap.Subscription.Key(), string(snap.Status))
		return nil
	})

	var pub *redisstore.Publisher
	if cfg.Redis.Enabled {
		pub, err = redisstore.New(cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", zap.Error(err))
			pub = nil
		} else {
			defer pub.Close()
			br := pub.Breaker()
			logChange := br.OnStateChange
			br.OnStateChange = func(from, to redisstore.State) {
				logChange(from, to)
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
		}
	}

	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, reg, health, log)

	// ---- run ----
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return session.Run(ctx) })
	g.Go(func() error {
		series.Watch(ctx, store, hub, log)
		return nil
	})
	g.Go(func() error {
		series.Watch(ctx, store, healthSink, log)
		return nil
	})
	if pub != nil {
		g.Go(func() error {
			series.Watch(ctx, store, timedSink(pub, prom, "redis"), log)
			return nil
		})
		g.Go(func() error {
			health.RunLivenessChecker(ctx, pub.Client(), 10*time.Second)
			return nil
		})
	}
	g.Go(func() error { return metricsSrv.Run(ctx) })
	g.Go(func() error { return runHTTP(ctx, gwSrv, log) })
	g.Go(func() error {
		if err := session.Select(ctx, sub); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	err = g.Wait()
	log.Info("chartd stopped", zap.Duration("uptime", time.Since(start)), zap.Error(err))
	return err
}

// timedSink records how long each render takes.
func timedSink(sink series.Sink, prom *metrics.Metrics, name string) series.Sink {
	obs := prom.SinkPublishDur.WithLabelValues(name)
	return series.SinkFunc(func(ctx context.Context, snap series.Snapshot) error {
		start := time.Now()
		err := sink.Render(ctx, snap)
		obs.Observe(time.Since(start).Seconds())
		return err
	})
}

// runHTTP serves srv until ctx is done, then shuts it down gracefully.
func runHTTP(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
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
		return srv.Shutdown(shutdownCtx)
	}
}
