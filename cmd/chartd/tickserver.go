package main

import (
	"net/http"
	"os/signal"
	"syscall"

	"candlefeed/internal/marketdata/ticksim"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// tickServer runs the simulated feed until interrupted.
func tickServer(c *cli.Context) error {
	cfg := appConfig(c)
	log := appLogger(c)

	addr := cfg.TickServer.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}
	instruments, err := ticksim.ParseInstruments(cfg.TickServer.Instruments)
	if err != nil {
		return err
	}

	sim := ticksim.NewServer(instruments, cfg.TickServer.Interval, log)
	srv := &http.Server{Addr: addr, Handler: sim.Handler()}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sim.Run(ctx.Done())

	tokens := make([]string, len(instruments))
	for i, in := range instruments {
		tokens[i] = in.Token
	}
	log.Info("tick simulator starting",
		zap.String("addr", addr),
		zap.Strings("instruments", tokens),
		zap.Duration("interval", cfg.TickServer.Interval),
	)
	return runHTTP(ctx, srv, log)
}

