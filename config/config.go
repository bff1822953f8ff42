// Package config loads chartd configuration from an optional YAML file with
// environment overrides (CANDLEFEED_FEED_URL, CANDLEFEED_CHART_SYMBOL, ...).
package config

import (
	"fmt"
	"strings"
	"time"

	"candlefeed/internal/model"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CANDLEFEED"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Feed       FeedConfig       `mapstructure:"feed"`
	History    HistoryConfig    `mapstructure:"history"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Chart      ChartConfig      `mapstructure:"chart"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Redis      RedisConfig      `mapstructure:"redis"`
	TickServer TickServerConfig `mapstructure:"tickserver"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type HistoryConfig struct {
	Source     string         `mapstructure:"source"` // "rest", "sqlite" or "postgres"
	BaseURL    string         `mapstructure:"base_url"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig defines the configuration for connecting to a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

// DSN renders a libpq keyword/value connection string.
func (cfg PostgresConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	if cfg.TimeZone != "" {
		dsn += fmt.Sprintf(" TimeZone=%s", cfg.TimeZone)
	}
	return dsn
}

// AuthConfig carries the credential issued by the external auth gateway.
type AuthConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
}

type ChartConfig struct {
	Symbol       string `mapstructure:"symbol"`
	Timeframe    string `mapstructure:"timeframe"`
	Indicators   string `mapstructure:"indicators"` // e.g. "SMA:20,EMA:9"
	PendingTicks int    `mapstructure:"pending_ticks"`
	QueueSize    int    `mapstructure:"queue_size"`
}

type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

type TickServerConfig struct {
	Addr        string        `mapstructure:"addr"`
	Interval    time.Duration `mapstructure:"interval"`
	Instruments string        `mapstructure:"instruments"` // "TOKEN:PRICE,..."
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("feed.url", "ws://localhost:9001/ws")
	v.SetDefault("feed.reconnect_delay", 5*time.Second)
	v.SetDefault("feed.handshake_timeout", 10*time.Second)

	v.SetDefault("history.source", "rest")
	v.SetDefault("history.base_url", "http://localhost:8080/api")
	v.SetDefault("history.timeout", 15*time.Second)
	v.SetDefault("history.sqlite_path", "data/bars.db")
	v.SetDefault("history.postgres.host", "localhost")
	v.SetDefault("history.postgres.port", 5432)
	v.SetDefault("history.postgres.user", "postgres")
	v.SetDefault("history.postgres.password", "")
	v.SetDefault("history.postgres.dbname", "marketdata")
	v.SetDefault("history.postgres.sslmode", "disable")
	v.SetDefault("history.postgres.timezone", "UTC")

	v.SetDefault("auth.bearer_token", "")

	v.SetDefault("chart.symbol", "99926000")
	v.SetDefault("chart.timeframe", string(model.DefaultTimeframe))
	v.SetDefault("chart.indicators", "SMA:20,EMA:9")
	v.SetDefault("chart.pending_ticks", 1024)
	v.SetDefault("chart.queue_size", 4096)

	v.SetDefault("gateway.addr", ":8090")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.latest_ttl", 30*time.Minute)

	v.SetDefault("tickserver.addr", ":9001")
	v.SetDefault("tickserver.interval", 250*time.Millisecond)
	v.SetDefault("tickserver.instruments", "99926000:22000")
}

// Load reads path (if non-empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks fields that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if _, err := c.Timeframe(); err != nil {
		return errors.Wrap(err, "chart.timeframe")
	}
	if _, err := c.ParseIndicators(); err != nil {
		return errors.Wrap(err, "chart.indicators")
	}
	switch c.History.Source {
	case "rest", "sqlite", "postgres":
	default:
		return errors.Errorf("history.source %q: want rest, sqlite or postgres", c.History.Source)
	}
	if strings.TrimSpace(c.Chart.Symbol) == "" {
		return errors.New("chart.symbol is required")
	}
	return nil
}

// Timeframe returns the initial chart timeframe.
func (c *Config) Timeframe() (model.Timeframe, error) {
	return model.ParseTimeframe(c.Chart.Timeframe)
}

// ParseIndicators parses chart.indicators into indicator specs.
func (c *Config) ParseIndicators() ([]model.IndicatorSpec, error) {
	return model.ParseIndicatorSpecs(c.Chart.Indicators)
}
