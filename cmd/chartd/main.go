// Command chartd serves a live multi-timeframe candlestick chart: it seeds a
// series from history, keeps it current from a tick feed, and streams it to
// browsers.
package main

import (
	"fmt"
	"os"

	"candlefeed/config"
	"candlefeed/internal/logger"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:     "chartd",
		Usage:    "live candlestick series from history and ticks",
		Version:  "v0.1.0",
		Flags:    globalFlags,
		Before:   before,
		After:    after,
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var commands = []*cli.Command{
	{
		Name:   "serve",
		Usage:  "Run the chart session, WebSocket gateway and metrics server",
		Action: serve,
		Flags:  []cli.Flag{symbolFlag, timeframeFlag},
	}, {
		Name:   "history",
		Usage:  "Load one history window and print a summary",
		Action: historyCmd,
		Flags:  []cli.Flag{symbolFlag, timeframeFlag, fromFlag, toFlag, jsonFlag},
	}, {
		Name:   "tickserver",
		Usage:  "Run a simulated tick feed for local testing",
		Action: tickServer,
		Flags:  []cli.Flag{addrFlag},
	},
}

// before loads configuration and builds the logger shared by all commands.
func before(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.Bool("debug") {
		cfg.Log.Level = "debug"
		cfg.Log.Environment = "dev"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	c.App.Metadata = map[string]interface{}{"config": cfg, "log": log}
	return nil
}

func after(c *cli.Context) error {
	if log, ok := c.App.Metadata["log"].(*zap.Logger); ok {
		log.Sync()
	}
	return nil
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["log"].(*zap.Logger)
}
