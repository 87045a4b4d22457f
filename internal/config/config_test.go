package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	ec := cfg.EngineConfig()
	if !ec.InitialBalance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("initial balance = %s", ec.InitialBalance)
	}
	if !ec.Fees.Taker.Equal(decimal.NewFromFloat(0.0005)) || !ec.Fees.Maker.Equal(decimal.NewFromFloat(0.0002)) {
		t.Errorf("fees = %+v", ec.Fees)
	}
	if p := cfg.RetryPolicy(); p.MaxAttempts != 3 || p.InitialDelay != 500*time.Millisecond {
		t.Errorf("retry policy = %+v", p)
	}
	if b := cfg.BreakerConfig(); b.MaxConsecutiveFailures != 3 || !b.MaxAccountDrawdownPct.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("breaker = %+v", b)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
log_level = "debug"

[account]
initial_balance = 25000.0
submit_timeout = "2s"

[slippage]
latency = "50ms"

[retry]
initial_delay = "250ms"

[feed]
url = "wss://quotes.example/ws"
symbols = ["BTC-USDT", "ETH-USDT"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Account.InitialBalance != 25000 || cfg.Account.SubmitTimeout.Duration != 2*time.Second {
		t.Errorf("account = %+v", cfg.Account)
	}
	if cfg.Account.TakerFee != 0.0005 {
		t.Errorf("unset field lost its default: taker fee %v", cfg.Account.TakerFee)
	}
	if cfg.SlippageParams().Latency != 50*time.Millisecond {
		t.Errorf("latency = %v", cfg.SlippageParams().Latency)
	}
	if cfg.RetryPolicy().InitialDelay != 250*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.RetryPolicy().InitialDelay)
	}
	if f := cfg.FeedParams(); f.URL != "wss://quotes.example/ws" || len(f.Symbols) != 2 {
		t.Errorf("feed = %+v", f)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.SlogLevel())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXEC_ACCOUNT_TAKER_FEE", "0.001")
	t.Setenv("EXEC_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("EXEC_FEED_SYMBOLS", "BTC, ETH ,")
	t.Setenv("EXEC_SERVER_PORT", "9000")
	t.Setenv("PORT", "9100")
	t.Setenv("DATABASE_URL", "postgres://localhost/exec")
	t.Setenv("EXEC_SAFETY_MONITOR_INTERVAL", "not-a-duration")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Account.TakerFee != 0.001 || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("overrides not applied: fee %v attempts %d", cfg.Account.TakerFee, cfg.Retry.MaxAttempts)
	}
	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[1] != "ETH" {
		t.Errorf("symbols = %q", cfg.Feed.Symbols)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("PORT should win over EXEC_SERVER_PORT, got %d", cfg.Server.Port)
	}
	if cfg.Postgres.URL != "postgres://localhost/exec" {
		t.Errorf("postgres url = %q", cfg.Postgres.URL)
	}
	if cfg.Safety.MonitorInterval.Duration != 5*time.Second {
		t.Errorf("unparsable override should be ignored, got %v", cfg.Safety.MonitorInterval)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := writeFile(t, "[retry]\ninitial_delay = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Error("expected a decode error for an invalid duration")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Account.InitialBalance = 0
	cfg.Safety.MaxFailureRate = 1.5
	cfg.Safety.MaxAccountDrawdownPct = 10
	cfg.Retry.BackoffFactor = 0.5
	cfg.Notify.Levels = []string{"WARNING", "LOUD"}
	cfg.Notify.TelegramToken = "token"
	cfg.Feed.URL = "http://quotes.example"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"log_level",
		"initial_balance",
		"max_failure_rate",
		"max_account_drawdown_pct",
		"backoff_factor",
		`unknown level "LOUD"`,
		"telegram_chat_id",
		"feed: url",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}
