package main

import (
	"strings"

	"candlefeed/config"
	"candlefeed/internal/history"
	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// tokenSource returns the feed and history credential, or nil when none is
// configured.
func tokenSource(cfg *config.Config) oauth2.TokenSource {
	if cfg.Auth.BearerToken == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.Auth.BearerToken,
		TokenType:   "Bearer",
	})
}

// openHistorySource builds the backend named by history.source. The returned
// close func is never nil.
func openHistorySource(cfg *config.Config, log *zap.Logger) (history.Source, func() error, error) {
	noop := func() error { return nil }
	switch cfg.History.Source {
	case "rest":
		log.Info("history source", zap.String("kind", "rest"), zap.String("base_url", cfg.History.BaseURL))
		return history.NewHTTPSource(cfg.History.BaseURL, cfg.History.Timeout, tokenSource(cfg)), noop, nil
	case "sqlite":
		src, err := history.OpenSQLite(cfg.History.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		log.Info("history source", zap.String("kind", "sqlite"), zap.String("path", cfg.History.SQLitePath))
		return src, src.Close, nil
	case "postgres":
		src, err := history.OpenPostgres(cfg.History.Postgres.DSN())
		if err != nil {
			return nil, noop, err
		}
		log.Info("history source", zap.String("kind", "postgres"), zap.String("host", cfg.History.Postgres.Host))
		return src, src.Close, nil
	default:
		return nil, noop, errors.Errorf("unknown history source %q", cfg.History.Source)
	}
}

// selection resolves the initial subscription from flags and config.
func selection(c *cli.Context, cfg *config.Config) (model.Subscription, error) {
	symbol := cfg.Chart.Symbol
	if c.IsSet("symbol") {
		symbol = strings.TrimSpace(c.String("symbol"))
	}
	if symbol == "" {
		return model.Subscription{}, errors.New("symbol is required")
	}
	tf, err := cfg.Timeframe()
	if c.IsSet("timeframe") {
		tf, err = model.ParseTimeframe(c.String("timeframe"))
	}
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{Instrument: symbol, Timeframe: tf}, nil
}
