package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"candlefeed/internal/history"
	"candlefeed/internal/series"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// historyCmd loads one window through the same Loader the chart uses and
// prints the bar count, stats and latest indicator values.
func historyCmd(c *cli.Context) error {
	cfg := appConfig(c)
	log := appLogger(c)

	sub, err := selection(c, cfg)
	if err != nil {
		return err
	}
	specs, err := cfg.ParseIndicators()
	if err != nil {
		return err
	}
	src, closeSrc, err := openHistorySource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSrc()

	from, to := history.Window(sub.Timeframe, time.Now())
	if ts := c.Timestamp("from"); ts != nil {
		from = ts.Unix()
	}
	if ts := c.Timestamp("to"); ts != nil {
		to = ts.Unix()
	}

	candles, err := history.NewLoader(src, log).Load(c.Context, sub.Instrument, sub.Timeframe, from, to)
	if errors.Is(err, history.ErrEmptyRange) {
		fmt.Printf("%s: no bars between %s and %s\n", sub.Key(), fmtTime(from), fmtTime(to))
		return nil
	}
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(candles)
	}

	store := series.New(specs, log)
	store.Reset(sub, 1)
	if err := store.Seed(1, candles); err != nil {
		return err
	}
	snap := store.Snapshot()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "selection\t%s\n", sub.Key())
	fmt.Fprintf(w, "bars\t%d\n", snap.Len())
	fmt.Fprintf(w, "first\t%s\n", fmtTime(candles[0].OpenTime))
	fmt.Fprintf(w, "last\t%s\n", fmtTime(candles[len(candles)-1].OpenTime))
	fmt.Fprintf(w, "last price\t%s\n", snap.Stats.LastPrice)
	fmt.Fprintf(w, "change\t%s (%s%%)\n", snap.Stats.Change, snap.Stats.ChangePct)
	fmt.Fprintf(w, "high / low\t%s / %s\n", snap.Stats.High, snap.Stats.Low)
	fmt.Fprintf(w, "volume\t%s\n", snap.Stats.Volume)
	for _, ind := range snap.Indicators {
		if n := len(ind.Points); n > 0 {
			fmt.Fprintf(w, "%s\t%.4f\n", ind.Name, ind.Points[n-1].Value)
		} else {
			fmt.Fprintf(w, "%s\twarming up\n", ind.Name)
		}
	}
	return w.Flush()
}

func fmtTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
