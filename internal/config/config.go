package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/trading-brain/internal/alerts"
	"github.com/Rajchodisetti/trading-brain/internal/allocation"
	"github.com/Rajchodisetti/trading-brain/internal/cost"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/gateway"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/ops"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/pending"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/storage"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
	"github.com/Rajchodisetti/trading-brain/internal/truth"
)

type Service struct {
	Name           string  `yaml:"name"`
	Mode           string  `yaml:"mode"` // paper | live | dry-run
	DataDir        string  `yaml:"data_dir"`
	StartingEquity float64 `yaml:"starting_equity"`
}

type Risk struct {
	Policy   risk.Policy       `yaml:"policy"`
	Snapshot risk.LedgerConfig `yaml:"snapshot"`
}

type Safety struct {
	Levels  safety.LevelConfig   `yaml:"levels"`
	Breaker safety.BreakerConfig `yaml:"breaker"`
}

type Allocation struct {
	allocation.Config `yaml:",inline"`
	Tracker           allocation.TrackerConfig `yaml:"tracker"`
}

type Bus struct {
	Backend       string               `yaml:"backend"` // memory | redis
	Prefix        string               `yaml:"prefix"`
	SigningKeyID  string               `yaml:"signing_key_id"`
	SigningSecret string               `yaml:"signing_secret"`
	Feed          transport.FeedConfig `yaml:"feed"`
}

type Ledger struct {
	Path            string             `yaml:"path"`
	OpeningBalances map[string]float64 `yaml:"opening_balances"`
}

type API struct {
	Addr           string        `yaml:"addr"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type IPC struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	// Token is required in the Authorization header when set
	Token string `yaml:"token"`
}

type Ops struct {
	SigningSecret  string              `yaml:"signing_secret"`
	Tolerance      time.Duration       `yaml:"tolerance"`
	Permissions    map[string][]string `yaml:"permissions"`
	AuditPath      string              `yaml:"audit_path"`
	AuditMaxSizeMB int                 `yaml:"audit_max_size_mb"`
	AuditBackups   int                 `yaml:"audit_max_backups"`
	Slack          ops.SlackConfig     `yaml:"slack"`
}

type Outbox struct {
	Path         string           `yaml:"path"`
	DedupeWindow time.Duration    `yaml:"dedupe_window"`
	Paper        bool             `yaml:"paper_fills"`
	Sim          outbox.SimConfig `yaml:"sim"`
}

type Root struct {
	Service    Service                `yaml:"service"`
	Logging    observ.LogConfig       `yaml:"logging"`
	Cost       cost.Config            `yaml:"cost"`
	Risk       Risk                   `yaml:"risk"`
	Safety     Safety                 `yaml:"safety"`
	Allocation Allocation             `yaml:"allocation"`
	Gateway    gateway.Config         `yaml:"gateway"`
	Pending    pending.Config         `yaml:"pending"`
	Bus        Bus                    `yaml:"bus"`
	Redis      storage.RedisConfig    `yaml:"redis"`
	Postgres   storage.PostgresConfig `yaml:"postgres"`
	EventLog   eventlog.Config        `yaml:"eventlog"`
	Truth      truth.Config           `yaml:"truth"`
	Ledger     Ledger                 `yaml:"ledger"`
	API        API                    `yaml:"api"`
	IPC        IPC                    `yaml:"ipc"`
	Alerts     alerts.Config          `yaml:"alerts"`
	Ops        Ops                    `yaml:"ops"`
	Outbox     Outbox                 `yaml:"outbox"`
	Retry      retry.Config           `yaml:"retry"`
}

// Default is a complete paper-mode configuration with in-process backends
func Default() Root {
	return Root{
		Service:    Service{Name: "trading-brain", Mode: "paper", DataDir: "data", StartingEquity: 10_000},
		Logging:    observ.LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Cost:       cost.DefaultConfig(),
		Risk:       Risk{Policy: risk.DefaultPolicy(), Snapshot: risk.DefaultLedgerConfig()},
		Safety:     Safety{Levels: safety.DefaultLevelConfig(), Breaker: safety.DefaultBreakerConfig()},
		Allocation: Allocation{Config: allocation.DefaultConfig(), Tracker: allocation.DefaultTrackerConfig()},
		Gateway:    gateway.DefaultConfig(),
		Pending:    pending.DefaultConfig(),
		Bus:        Bus{Backend: "memory", Prefix: "brain:", SigningKeyID: "brain", Feed: transport.DefaultFeedConfig()},
		Redis:      storage.RedisConfig{Addr: "localhost:6379", Prefix: "brain:"},
		Postgres:   storage.PostgresConfig{MaxConns: 10, ConnectTimeout: 5 * time.Second, MigrateOnStart: true},
		EventLog:   eventlog.DefaultConfig(),
		Truth:      truth.DefaultConfig(),
		Ledger:     Ledger{Path: "data/ledger.json", OpeningBalances: map[string]float64{"USDT": 10_000}},
		API:        API{Addr: ":8080", IdempotencyTTL: 24 * time.Hour, ReadTimeout: 10 * time.Second, WriteTimeout: 15 * time.Second},
		IPC:        IPC{Enabled: true, Addr: "127.0.0.1:8091", Path: "/ipc"},
		Alerts:     alerts.DefaultConfig(),
		Ops:        Ops{Tolerance: 300 * time.Second, AuditPath: "data/audit/ops.jsonl", AuditMaxSizeMB: 50, AuditBackups: 10},
		Outbox:     Outbox{Path: "data/outbox.jsonl", DedupeWindow: 24 * time.Hour, Paper: true, Sim: outbox.DefaultSimConfig()},
		Retry:      retry.DefaultConfig(),
	}
}

// Load reads path (optional), then envFile (optional), then BRAIN_* overrides.
// Keys absent from the file keep their defaults.
func Load(path, envFile string) (Root, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&c)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return c, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&c, os.LookupEnv); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// applyDefaults fills fields a file explicitly zeroed
func applyDefaults(c *Root) {
	d := Default()
	if c.Service.Name == "" {
		c.Service.Name = d.Service.Name
	}
	if c.Service.Mode == "" {
		c.Service.Mode = d.Service.Mode
	}
	if c.Service.DataDir == "" {
		c.Service.DataDir = d.Service.DataDir
	}
	if c.Service.StartingEquity == 0 {
		c.Service.StartingEquity = d.Service.StartingEquity
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = d.Bus.Backend
	}
	if c.EventLog.Backend == "" {
		c.EventLog.Backend = d.EventLog.Backend
	}
	if c.Pending.Backend == "" {
		c.Pending.Backend = d.Pending.Backend
	}
	if c.API.Addr == "" {
		c.API.Addr = d.API.Addr
	}
	if c.API.IdempotencyTTL <= 0 {
		c.API.IdempotencyTTL = d.API.IdempotencyTTL
	}
	if c.IPC.Path == "" {
		c.IPC.Path = d.IPC.Path
	}
	if c.Ops.Tolerance <= 0 {
		c.Ops.Tolerance = d.Ops.Tolerance
	}
	if c.Outbox.DedupeWindow <= 0 {
		c.Outbox.DedupeWindow = d.Outbox.DedupeWindow
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.Gateway.StartingEquity == 0 {
		c.Gateway.StartingEquity = c.Service.StartingEquity
	}
	if len(c.Truth.Scopes) == 0 {
		c.Truth.Scopes = d.Truth.Scopes
	}
}

// applyEnv applies BRAIN_* overrides. lookup is os.LookupEnv outside tests.
func applyEnv(c *Root, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BRAIN_MODE", &c.Service.Mode)
	str("BRAIN_DATA_DIR", &c.Service.DataDir)
	str("BRAIN_LOG_LEVEL", &c.Logging.Level)
	str("BRAIN_LOG_FILE", &c.Logging.File)
	str("BRAIN_HTTP_ADDR", &c.API.Addr)
	str("BRAIN_IPC_ADDR", &c.IPC.Addr)
	str("BRAIN_IPC_TOKEN", &c.IPC.Token)
	str("BRAIN_BUS_BACKEND", &c.Bus.Backend)
	str("BRAIN_BUS_SECRET", &c.Bus.SigningSecret)
	str("BRAIN_SLACK_SIGNING_SECRET", &c.Ops.Slack.SigningSecret)
	str("BRAIN_FEED_URL", &c.Bus.Feed.URL)
	str("BRAIN_PENDING_BACKEND", &c.Pending.Backend)
	str("BRAIN_EVENTLOG_BACKEND", &c.EventLog.Backend)
	str("BRAIN_REDIS_ADDR", &c.Redis.Addr)
	str("BRAIN_REDIS_PASSWORD", &c.Redis.Password)
	str("BRAIN_POSTGRES_DSN", &c.Postgres.DSN)
	str("BRAIN_OPS_SECRET", &c.Ops.SigningSecret)
	str("BRAIN_SLACK_WEBHOOK_URL", &c.Alerts.WebhookURL)

	if v, ok := lookup("BRAIN_STARTING_EQUITY"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BRAIN_STARTING_EQUITY: %w", err)
		}
		c.Service.StartingEquity = f
		c.Gateway.StartingEquity = f
	}
	if v, ok := lookup("BRAIN_OPS_PERMISSIONS"); ok && v != "" {
		// op1:breaker.*,safety.ack;op2:*
		perms := map[string][]string{}
		for _, entry := range strings.Split(v, ";") {
			op, list, ok := strings.Cut(strings.TrimSpace(entry), ":")
			if !ok || op == "" {
				continue
			}
			for _, p := range strings.Split(list, ",") {
				if p = strings.TrimSpace(p); p != "" {
					perms[op] = append(perms[op], p)
				}
			}
		}
		c.Ops.Permissions = perms
	}
	if v, ok := lookup("BRAIN_SLACK_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BRAIN_SLACK_ENABLED: %w", err)
		}
		c.Alerts.Enabled = b
	}
	return nil
}

// Validate rejects settings that cannot run together
func (c Root) Validate() error {
	switch c.Service.Mode {
	case "paper", "live", "dry-run":
	default:
		return fmt.Errorf("service.mode must be paper, live or dry-run, got %q", c.Service.Mode)
	}
	if c.Service.StartingEquity <= 0 {
		return errors.New("service.starting_equity must be positive")
	}
	if err := c.Risk.Policy.Validate(); err != nil {
		return err
	}
	if err := c.Allocation.Config.Validate(); err != nil {
		return err
	}
	if err := c.Truth.Validate(); err != nil {
		return err
	}
	t := c.Safety.Levels.Thresholds
	if t.Caution.DrawdownPct > t.Defensive.DrawdownPct || t.Defensive.DrawdownPct > t.Emergency.DrawdownPct {
		return errors.New("safety.levels.thresholds drawdown must rise from caution to emergency")
	}
	switch c.Safety.Levels.DeEscalation {
	case "", safety.DeEscalateAuto, safety.DeEscalateManual, safety.DeEscalateHybrid:
	default:
		return fmt.Errorf("safety.levels.de_escalation must be auto, manual or hybrid, got %q", c.Safety.Levels.DeEscalation)
	}
	b := c.Safety.Breaker
	if b.SoftDrawdownPct > 0 && b.HardDrawdownPct > 0 && b.SoftDrawdownPct >= b.HardDrawdownPct {
		return errors.New("safety.breaker.soft_drawdown_pct must be below hard_drawdown_pct")
	}
	switch c.Bus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("bus.backend must be memory or redis, got %q", c.Bus.Backend)
	}
	switch c.Pending.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("pending.backend must be memory or redis, got %q", c.Pending.Backend)
	}
	switch c.EventLog.Backend {
	case "memory", "file", "postgres":
	default:
		return fmt.Errorf("eventlog.backend must be memory, file or postgres, got %q", c.EventLog.Backend)
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		return errors.New("redis.addr is required by the redis backends")
	}
	if c.EventLog.Backend == "postgres" && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required by the postgres event log")
	}
	if c.Service.Mode == "live" && c.Bus.SigningSecret == "" {
		return errors.New("bus.signing_secret is required in live mode")
	}
	if c.Alerts.Enabled && c.Alerts.WebhookURL == "" {
		return errors.New("alerts.webhook_url is required when alerts are enabled")
	}
	return nil
}

func (c Root) NeedsRedis() bool {
	return c.Bus.Backend == "redis" || c.Pending.Backend == "redis"
}

func (c Root) NeedsPostgres() bool {
	return c.Postgres.DSN != ""
}
