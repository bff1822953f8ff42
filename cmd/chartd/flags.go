package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a YAML config file",
		EnvVars: []string{"CANDLEFEED_CONFIG"},
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "debug logging with development checks",
	},
}

var (
	symbolFlag = &cli.StringFlag{
		Name:  "symbol",
		Usage: "instrument to chart (overrides chart.symbol)",
	}
	timeframeFlag = &cli.StringFlag{
		Name:    "timeframe",
		Aliases: []string{"tf"},
		Usage:   "timeframe code or label: 1M 5M 15M 1H 1D (overrides chart.timeframe)",
	}
	fromFlag = &cli.TimestampFlag{
		Name:   "from",
		Usage:  "window start, defaults to the timeframe's lookback",
		Layout: time.RFC3339,
	}
	toFlag = &cli.TimestampFlag{
		Name:   "to",
		Usage:  "window end, defaults to now",
		Layout: time.RFC3339,
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print the loaded bars as JSON",
	}
	addrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "listen address (overrides tickserver.addr)",
	}
)
