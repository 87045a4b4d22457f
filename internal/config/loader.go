package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (if path is non-empty) over Defaults,
// loads .env when present and applies environment overrides. The result is
// not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides applies EXEC_* variables, then the deployment variables
// PORT, DATABASE_URL and REDIS_URL.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "EXEC_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "EXEC_SERVER_SHUTDOWN_TIMEOUT")

	// ── Account ──
	setFloat64(&cfg.Account.InitialBalance, "EXEC_ACCOUNT_INITIAL_BALANCE")
	setFloat64(&cfg.Account.MakerFee, "EXEC_ACCOUNT_MAKER_FEE")
	setFloat64(&cfg.Account.TakerFee, "EXEC_ACCOUNT_TAKER_FEE")
	setDuration(&cfg.Account.SubmitTimeout, "EXEC_ACCOUNT_SUBMIT_TIMEOUT")

	// ── Slippage ──
	setFloat64(&cfg.Slippage.BasePct, "EXEC_SLIPPAGE_BASE_PCT")
	setFloat64(&cfg.Slippage.VolumeImpact, "EXEC_SLIPPAGE_VOLUME_IMPACT")
	setFloat64(&cfg.Slippage.RandomMaxPct, "EXEC_SLIPPAGE_RANDOM_MAX_PCT")
	setFloat64(&cfg.Slippage.MaxPct, "EXEC_SLIPPAGE_MAX_PCT")
	setDuration(&cfg.Slippage.Latency, "EXEC_SLIPPAGE_LATENCY")

	// ── Limits ──
	setFloat64(&cfg.Limits.MaxPerSymbol, "EXEC_LIMITS_MAX_PER_SYMBOL")
	setFloat64(&cfg.Limits.MaxCorrelated, "EXEC_LIMITS_MAX_CORRELATED")

	// ── Safety ──
	setInt(&cfg.Safety.MaxConsecutiveFailures, "EXEC_SAFETY_MAX_CONSECUTIVE_FAILURES")
	setFloat64(&cfg.Safety.MaxFailureRate, "EXEC_SAFETY_MAX_FAILURE_RATE")
	setFloat64(&cfg.Safety.MaxAccountDrawdownPct, "EXEC_SAFETY_MAX_ACCOUNT_DRAWDOWN_PCT")
	setFloat64(&cfg.Safety.MaxPositionDrawdownPct, "EXEC_SAFETY_MAX_POSITION_DRAWDOWN_PCT")
	setFloat64(&cfg.Safety.MaxPriceDeviationPct, "EXEC_SAFETY_MAX_PRICE_DEVIATION_PCT")
	setDuration(&cfg.Safety.MonitorInterval, "EXEC_SAFETY_MONITOR_INTERVAL")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "EXEC_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialDelay, "EXEC_RETRY_INITIAL_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "EXEC_RETRY_MAX_DELAY")

	// ── Notify ──
	setStr(&cfg.Notify.DiscordWebhookURL, "EXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.TelegramToken, "EXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Levels, "EXEC_NOTIFY_LEVELS")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "EXEC_FEED_URL")
	setStringSlice(&cfg.Feed.Symbols, "EXEC_FEED_SYMBOLS")

	// ── Storage ──
	setStr(&cfg.Postgres.URL, "EXEC_POSTGRES_URL")
	setBool(&cfg.Postgres.RunMigrations, "EXEC_POSTGRES_RUN_MIGRATIONS")
	setStr(&cfg.Redis.URL, "EXEC_REDIS_URL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "EXEC_LOG_LEVEL")

	// Deployment platform variables win.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Postgres.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
