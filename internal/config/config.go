// Package config defines the execution engine configuration and converts it
// into the settings each component takes.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/alert"
	"github.com/atmx/execution-engine/internal/engine"
	"github.com/atmx/execution-engine/internal/feed"
	"github.com/atmx/execution-engine/internal/retry"
	"github.com/atmx/execution-engine/internal/safety"
	"github.com/atmx/execution-engine/internal/slippage"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by EXEC_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Account  AccountConfig  `toml:"account"`
	Slippage SlippageConfig `toml:"slippage"`
	Limits   LimitsConfig   `toml:"limits"`
	Safety   SafetyConfig   `toml:"safety"`
	Retry    RetryConfig    `toml:"retry"`
	Alerts   AlertsConfig   `toml:"alerts"`
	Notify   NotifyConfig   `toml:"notify"`
	Feed     FeedConfig     `toml:"feed"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	LogLevel string         `toml:"log_level"`
}

// duration wraps time.Duration so TOML strings like "500ms" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// AccountConfig holds the simulated account.
type AccountConfig struct {
	InitialBalance float64  `toml:"initial_balance"`
	MakerFee       float64  `toml:"maker_fee"`
	TakerFee       float64  `toml:"taker_fee"`
	SubmitTimeout  duration `toml:"submit_timeout"`
}

// SlippageConfig holds the slippage model. Percentages are fractions.
type SlippageConfig struct {
	BasePct      float64  `toml:"base_pct"`
	VolumeImpact float64  `toml:"volume_impact"`
	RandomMaxPct float64  `toml:"random_max_pct"`
	MaxPct       float64  `toml:"max_pct"`
	Latency      duration `toml:"latency"`
}

// LimitsConfig holds pre-trade exposure caps in quote currency. Zero
// disables a cap.
type LimitsConfig struct {
	MaxPerSymbol  float64 `toml:"max_per_symbol"`
	MaxCorrelated float64 `toml:"max_correlated"`
}

// SafetyConfig holds circuit breaker thresholds.
type SafetyConfig struct {
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	MaxFailureRate         float64  `toml:"max_failure_rate"`
	FailureRateWindow      int      `toml:"failure_rate_window"`
	MaxAccountDrawdownPct  float64  `toml:"max_account_drawdown_pct"`
	MaxPositionDrawdownPct float64  `toml:"max_position_drawdown_pct"`
	MaxPriceDeviationPct   float64  `toml:"max_price_deviation_pct"`
	PriceDeviationWindow   duration `toml:"price_deviation_window"`
	MaxCriticalAlerts      int      `toml:"max_critical_alerts"`
	CriticalAlertsWindow   int      `toml:"critical_alerts_window"`
	MonitorInterval        duration `toml:"monitor_interval"`
}

// RetryConfig holds the retry policy. MaxAttempts 0 disables retries.
type RetryConfig struct {
	MaxAttempts   int      `toml:"max_attempts"`
	InitialDelay  duration `toml:"initial_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
	MaxDelay      duration `toml:"max_delay"`
	ScanInterval  duration `toml:"scan_interval"`
}

// AlertsConfig sizes the alert pipeline.
type AlertsConfig struct {
	HistorySize     int      `toml:"history_size"`
	ChannelSize     int      `toml:"channel_size"`
	DeliveryTimeout duration `toml:"delivery_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	Levels            []string `toml:"levels"`
}

// FeedConfig points at a websocket quote source. An empty URL disables it.
type FeedConfig struct {
	URL               string   `toml:"url"`
	Symbols           []string `toml:"symbols"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
}

// PostgresConfig selects the durable trade log. An empty URL keeps it in memory.
type PostgresConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the trade cache and the quote mirror.
type RedisConfig struct {
	URL           string   `toml:"url"`
	TradeCacheTTL duration `toml:"trade_cache_ttl"`
	QuoteTTL      duration `toml:"quote_ttl"`
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Account: AccountConfig{
			InitialBalance: 10000,
			MakerFee:       0.0002,
			TakerFee:       0.0005,
			SubmitTimeout:  duration{5 * time.Second},
		},
		Slippage: SlippageConfig{
			BasePct:      0.0005,
			VolumeImpact: 0.1,
			RandomMaxPct: 0.001,
			MaxPct:       0.01,
		},
		Safety: SafetyConfig{
			MaxConsecutiveFailures: 3,
			MaxFailureRate:         0.5,
			FailureRateWindow:      10,
			MaxAccountDrawdownPct:  0.10,
			MaxPositionDrawdownPct: 0.15,
			MaxPriceDeviationPct:   0.05,
			PriceDeviationWindow:   duration{60 * time.Second},
			MaxCriticalAlerts:      3,
			CriticalAlertsWindow:   10,
			MonitorInterval:        duration{5 * time.Second},
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  duration{500 * time.Millisecond},
			BackoffFactor: 2.0,
			MaxDelay:      duration{10 * time.Second},
			ScanInterval:  duration{100 * time.Millisecond},
		},
		Alerts: AlertsConfig{
			HistorySize:     1000,
			ChannelSize:     256,
			DeliveryTimeout: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Levels: []string{"WARNING", "ERROR", "CRITICAL"},
		},
		Feed: FeedConfig{
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{60 * time.Second},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			TradeCacheTTL: duration{30 * time.Second},
			QuoteTTL:      duration{5 * time.Minute},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

var validAlertLevels = map[string]bool{
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// Validate returns one error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Account.InitialBalance <= 0 {
		errs = append(errs, "account: initial_balance must be positive")
	}
	if c.Account.MakerFee < 0 || c.Account.TakerFee < 0 {
		errs = append(errs, "account: fees must not be negative")
	}
	if c.Account.SubmitTimeout.Duration < 0 {
		errs = append(errs, "account: submit_timeout must not be negative")
	}

	s := c.Slippage
	if s.BasePct < 0 || s.VolumeImpact < 0 || s.RandomMaxPct < 0 || s.MaxPct < 0 {
		errs = append(errs, "slippage: parameters must not be negative")
	}
	if s.Latency.Duration < 0 {
		errs = append(errs, "slippage: latency must not be negative")
	}

	if c.Limits.MaxPerSymbol < 0 || c.Limits.MaxCorrelated < 0 {
		errs = append(errs, "limits: caps must not be negative")
	}

	sf := c.Safety
	if sf.MaxConsecutiveFailures < 0 || sf.FailureRateWindow < 0 || sf.MaxCriticalAlerts < 0 || sf.CriticalAlertsWindow < 0 {
		errs = append(errs, "safety: counts must not be negative")
	}
	if sf.MaxFailureRate < 0 || sf.MaxFailureRate > 1 {
		errs = append(errs, fmt.Sprintf("safety: max_failure_rate must be within [0, 1], got %g", sf.MaxFailureRate))
	}
	fractions := []struct {
		name string
		v    float64
	}{
		{"max_account_drawdown_pct", sf.MaxAccountDrawdownPct},
		{"max_position_drawdown_pct", sf.MaxPositionDrawdownPct},
		{"max_price_deviation_pct", sf.MaxPriceDeviationPct},
	}
	for _, f := range fractions {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Sprintf("safety: %s must be a fraction within [0, 1], got %g", f.name, f.v))
		}
	}
	if sf.MonitorInterval.Duration <= 0 {
		errs = append(errs, "safety: monitor_interval must be positive")
	}

	r := c.Retry
	if r.MaxAttempts < 0 {
		errs = append(errs, "retry: max_attempts must not be negative")
	}
	if r.MaxAttempts > 0 {
		if r.BackoffFactor < 1 {
			errs = append(errs, "retry: backoff_factor must be >= 1")
		}
		if r.ScanInterval.Duration <= 0 {
			errs = append(errs, "retry: scan_interval must be positive")
		}
		if r.MaxDelay.Duration > 0 && r.MaxDelay.Duration < r.InitialDelay.Duration {
			errs = append(errs, "retry: max_delay must be >= initial_delay")
		}
	}

	if c.Alerts.HistorySize <= 0 {
		errs = append(errs, "alerts: history_size must be positive")
	}
	if c.Alerts.ChannelSize < 0 {
		errs = append(errs, "alerts: channel_size must not be negative")
	}

	for _, l := range c.Notify.Levels {
		if !validAlertLevels[strings.ToUpper(l)] {
			errs = append(errs, fmt.Sprintf("notify: unknown level %q", l))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Feed.URL != "" && !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		errs = append(errs, fmt.Sprintf("feed: url must be ws:// or wss://, got %q", c.Feed.URL))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// EngineConfig returns the account settings for engine.New.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		InitialBalance: decimal.NewFromFloat(c.Account.InitialBalance),
		Fees: slippage.FeeSchedule{
			Maker: decimal.NewFromFloat(c.Account.MakerFee),
			Taker: decimal.NewFromFloat(c.Account.TakerFee),
		},
		SubmitTimeout: c.Account.SubmitTimeout.Duration,
	}
}

// SlippageParams returns the slippage model parameters.
func (c *Config) SlippageParams() slippage.Config {
	return slippage.Config{
		BasePct:      decimal.NewFromFloat(c.Slippage.BasePct),
		VolumeImpact: decimal.NewFromFloat(c.Slippage.VolumeImpact),
		RandomMaxPct: decimal.NewFromFloat(c.Slippage.RandomMaxPct),
		MaxPct:       decimal.NewFromFloat(c.Slippage.MaxPct),
		Latency:      c.Slippage.Latency.Duration,
	}
}

// BreakerConfig returns the circuit breaker thresholds.
func (c *Config) BreakerConfig() safety.Config {
	s := c.Safety
	return safety.Config{
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		MaxFailureRate:         s.MaxFailureRate,
		FailureRateWindow:      s.FailureRateWindow,
		MaxAccountDrawdownPct:  decimal.NewFromFloat(s.MaxAccountDrawdownPct),
		MaxPositionDrawdownPct: decimal.NewFromFloat(s.MaxPositionDrawdownPct),
		MaxPriceDeviationPct:   decimal.NewFromFloat(s.MaxPriceDeviationPct),
		PriceDeviationWindow:   s.PriceDeviationWindow.Duration,
		MaxCriticalAlerts:      s.MaxCriticalAlerts,
		CriticalAlertsWindow:   s.CriticalAlertsWindow,
	}
}

// RetryPolicy returns the retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		InitialDelay:  c.Retry.InitialDelay.Duration,
		BackoffFactor: c.Retry.BackoffFactor,
		MaxDelay:      c.Retry.MaxDelay.Duration,
	}
}

// AlertConfig returns the alert pipeline sizing.
func (c *Config) AlertConfig() alert.Config {
	return alert.Config{
		HistorySize:     c.Alerts.HistorySize,
		ChannelSize:     c.Alerts.ChannelSize,
		DeliveryTimeout: c.Alerts.DeliveryTimeout.Duration,
	}
}

// FeedParams returns the quote feed settings.
func (c *Config) FeedParams() feed.Config {
	return feed.Config{
		URL:               c.Feed.URL,
		Symbols:           c.Feed.Symbols,
		ReconnectDelay:    c.Feed.ReconnectDelay.Duration,
		MaxReconnectDelay: c.Feed.MaxReconnectDelay.Duration,
	}
}
