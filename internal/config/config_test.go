package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/safety"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLoadSampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "brain.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, "paper", c.Service.Mode)
	assert.Equal(t, 50000.0, c.Risk.Policy.MaxPositionNotional)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, c.Risk.Policy.SymbolWhitelist)
	assert.Equal(t, safety.DeEscalateHybrid, c.Safety.Levels.DeEscalation)
	assert.Equal(t, 1500.0, c.Safety.Levels.Thresholds.Defensive.LatencyMs)
	assert.Equal(t, time.Hour, c.Safety.Breaker.LossWindow)
	assert.Equal(t, 4*time.Hour, c.Safety.Breaker.Cooldowns[safety.BreakerHard], "cooldowns keep defaults")
	assert.Equal(t, 5000.0, c.Allocation.FullP2)
	assert.Equal(t, 720*time.Hour, c.Allocation.Tracker.Window)
	assert.Equal(t, 30*time.Second, c.Pending.TTL)
	assert.Equal(t, []string{"*"}, c.Ops.Permissions["risk-lead"])
	assert.Equal(t, 10000.0, c.Ledger.OpeningBalances["USDT"])
	assert.Equal(t, 100*time.Millisecond, c.Retry.InitialDelay)
	assert.Equal(t, 10000.0, c.Gateway.StartingEquity, "gateway equity follows the service")
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := write(t, "min.yaml", "service:\n  mode: dry-run\nretry:\n  max_attempts: 0\napi:\n  addr: \"\"\n")
	c, err := Load(p, "")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, "dry-run", c.Service.Mode)
	assert.Equal(t, d.Service.StartingEquity, c.Service.StartingEquity)
	assert.Equal(t, d.Cost, c.Cost)
	assert.Equal(t, d.Truth.Scopes, c.Truth.Scopes)
	assert.Equal(t, d.Retry, c.Retry, "a zeroed retry section falls back whole")
	assert.Equal(t, ":8080", c.API.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)

	c, err := Load("", filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err, "no file and no env file is a valid default setup")
	assert.Equal(t, "memory", c.Bus.Backend)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"BRAIN_MODE":                 "live",
		"BRAIN_BUS_SECRET":           "s3cret",
		"BRAIN_STARTING_EQUITY":      "25000",
		"BRAIN_OPS_PERMISSIONS":      "alice:*;bob:breaker.*, safety.ack",
		"BRAIN_POSTGRES_DSN":         "postgres://localhost/brain",
		"BRAIN_SLACK_ENABLED":        "false",
		"BRAIN_SLACK_SIGNING_SECRET": "slack-s3cret",
	}
	c := Default()
	require.NoError(t, applyEnv(&c, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "live", c.Service.Mode)
	assert.Equal(t, "s3cret", c.Bus.SigningSecret)
	assert.Equal(t, 25000.0, c.Service.StartingEquity)
	assert.Equal(t, 25000.0, c.Gateway.StartingEquity)
	assert.Equal(t, []string{"breaker.*", "safety.ack"}, c.Ops.Permissions["bob"])
	assert.Equal(t, "slack-s3cret", c.Ops.Slack.SigningSecret)
	assert.True(t, c.NeedsPostgres())
	require.NoError(t, c.Validate())

	env["BRAIN_STARTING_EQUITY"] = "lots"
	assert.Error(t, applyEnv(&c, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
}

func TestDotEnvFile(t *testing.T) {
	const key = "BRAIN_IPC_TOKEN"
	_, had := os.LookupEnv(key)
	require.False(t, had)
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	p := write(t, ".env", key+"=from-dotenv\n")
	c, err := Load("", p)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", c.IPC.Token)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
		want   string
	}{
		{name: "defaults", mutate: func(*Root) {}},
		{name: "mode", mutate: func(c *Root) { c.Service.Mode = "yolo" }, want: "service.mode"},
		{name: "allocation points", mutate: func(c *Root) { c.Allocation.StartP2 = c.Allocation.FullP2 }, want: "start_p2"},
		{name: "policy", mutate: func(c *Root) { c.Risk.Policy.SymbolWhitelist = nil }, want: "symbol_whitelist"},
		{name: "truth thresholds", mutate: func(c *Root) { c.Truth.HighThreshold = 0.4 }, want: "high_threshold"},
		{name: "level thresholds", mutate: func(c *Root) { c.Safety.Levels.Thresholds.Caution.DrawdownPct = 50 }, want: "drawdown must rise"},
		{name: "de-escalation", mutate: func(c *Root) { c.Safety.Levels.DeEscalation = "sometimes" }, want: "de_escalation"},
		{name: "breaker drawdowns", mutate: func(c *Root) { c.Safety.Breaker.SoftDrawdownPct = 9 }, want: "soft_drawdown_pct"},
		{name: "bus backend", mutate: func(c *Root) { c.Bus.Backend = "kafka" }, want: "bus.backend"},
		{name: "redis addr", mutate: func(c *Root) { c.Pending.Backend, c.Redis.Addr = "redis", "" }, want: "redis.addr"},
		{name: "postgres dsn", mutate: func(c *Root) { c.EventLog.Backend = "postgres" }, want: "postgres.dsn"},
		{name: "live needs signing", mutate: func(c *Root) { c.Service.Mode = "live" }, want: "signing_secret"},
		{name: "alerts webhook", mutate: func(c *Root) { c.Alerts.Enabled = true }, want: "webhook_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
