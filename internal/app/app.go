// Package app is the dependency-injection container: it builds every component once
// from config at process start, runs the background loops, and tears them down in
// reverse order.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-brain/internal/alerts"
	"github.com/Rajchodisetti/trading-brain/internal/allocation"
	"github.com/Rajchodisetti/trading-brain/internal/api"
	"github.com/Rajchodisetti/trading-brain/internal/config"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/gateway"
	"github.com/Rajchodisetti/trading-brain/internal/ipc"
	"github.com/Rajchodisetti/trading-brain/internal/ledger"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/ops"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/pending"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/storage"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
	"github.com/Rajchodisetti/trading-brain/internal/truth"
)

type options struct {
	now   func() time.Time
	bus   transport.Bus
	redis redis.UniversalClient
}

type Option func(*options)

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithBus replaces the configured bus; the container does not close it
func WithBus(b transport.Bus) Option { return func(o *options) { o.bus = b } }

// WithRedis supplies the Redis client instead of dialing redis.addr
func WithRedis(c redis.UniversalClient) Option { return func(o *options) { o.redis = c } }

// App holds the wired components
type App struct {
	Config config.Root

	Log      *eventlog.Log
	Bus      transport.Bus
	Signer   *transport.Signer
	Notifier alerts.Notifier

	Pending    pending.Store
	Policies   *risk.PolicyStore
	RiskLedger *risk.Ledger
	Book       *risk.Book
	Market     *risk.MarketMonitor
	Drawdown   *risk.DrawdownTracker
	Levels     *safety.LevelMachine
	Breaker    *safety.Breaker
	Guard      *safety.Guard
	Tracker    *allocation.Tracker
	Allocation *allocation.Engine
	Outbox     *outbox.Outbox
	Paper      *outbox.PaperExecutor
	Gateway    *gateway.Gateway
	Truth      *truth.Engine
	Ledger     *ledger.Ledger
	Audit      *ops.AuditLogger
	Ops        *ops.Executor
	Slack      *ops.SlackHandler
	Keys       api.KeyStore
	API        *api.Server
	IPC        *ipc.Server
	Feed       *transport.SSEFeed

	redis   redis.UniversalClient
	pool    *pgxpool.Pool
	slack   *alerts.SlackClient
	closers []func() error
}

// New builds the container. Stored state (breaker and level history, ledger, outbox)
// is restored before New returns.
func New(ctx context.Context, cfg config.Root, opts ...Option) (_ *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.connect(ctx, o); err != nil {
		return nil, err
	}
	a.buildNotifier()
	if err := a.buildLog(o); err != nil {
		return nil, err
	}
	a.buildBus(o)
	if err := a.buildRisk(ctx, o); err != nil {
		return nil, err
	}
	if err := a.buildExecution(o); err != nil {
		return nil, err
	}
	if err := a.buildTruth(o); err != nil {
		return nil, err
	}
	if err := a.buildGateway(o); err != nil {
		return nil, err
	}
	if err := a.buildOps(o); err != nil {
		return nil, err
	}
	a.buildSurfaces(o)

	observ.Log("app_built", map[string]any{
		"mode":     cfg.Service.Mode,
		"bus":      cfg.Bus.Backend,
		"pending":  cfg.Pending.Backend,
		"eventlog": cfg.EventLog.Backend,
		"scopes":   a.Truth.Scopes(),
		"equity":   a.Book.Equity(),
	})
	return a, nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *App) connect(ctx context.Context, o options) error {
	cfg := a.Config
	switch {
	case o.redis != nil:
		a.redis = o.redis
	case cfg.NeedsRedis():
		rc, err := storage.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.redis = rc
		a.onClose(rc.Close)
	}
	if cfg.Postgres.DSN == "" {
		return nil
	}
	pool, err := storage.ConnectPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	a.pool = pool
	a.onClose(func() error { pool.Close(); return nil })
	if cfg.Postgres.MigrateOnStart {
		if err := storage.Migrate(ctx, pool); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildNotifier() {
	a.Notifier = alerts.LogNotifier{}
	if a.Config.Alerts.Enabled {
		a.slack = alerts.NewSlackClient(a.Config.Alerts)
		a.Notifier = alerts.Multi(alerts.LogNotifier{}, a.slack)
		a.onClose(func() error { a.slack.Close(); return nil })
	}
}

func (a *App) buildLog(o options) error {
	cfg := a.Config.EventLog
	var store eventlog.Store
	switch cfg.Backend {
	case "file":
		fs, err := eventlog.OpenFileStore(cfg.Path)
		if err != nil {
			return err
		}
		store = fs
	case "postgres":
		if a.pool == nil {
			return errors.New("app: postgres event log needs postgres.dsn")
		}
		store = eventlog.NewPostgresStore(a.pool)
	default:
		store = eventlog.NewMemoryStore()
	}
	a.Log = eventlog.New(store,
		eventlog.WithClock(o.now),
		eventlog.WithRetry(a.Config.Retry),
		eventlog.WithDeliverTimeout(cfg.DeliverTimeout),
		eventlog.WithResyncEvery(cfg.ResyncEvery),
	)
	a.onClose(a.Log.Close)
	return nil
}

func (a *App) buildBus(o options) {
	a.Signer = transport.NewSigner(a.Config.Bus.SigningKeyID, a.Config.Bus.SigningSecret)
	switch {
	case o.bus != nil:
		a.Bus = o.bus
	case a.Config.Bus.Backend == "redis":
		a.Bus = transport.NewRedisBus(a.redis, a.Config.Bus.Prefix, a.Config.Retry)
		a.onClose(a.Bus.Close)
	default:
		a.Bus = transport.NewMemoryBus()
		a.onClose(a.Bus.Close)
	}
	if a.Config.Bus.Feed.URL != "" {
		a.Feed = transport.NewSSEFeed(a.Config.Bus.Feed, a.Bus, a.Signer)
		a.onClose(a.Feed.Close)
	}
}

func (a *App) buildRisk(ctx context.Context, o options) error {
	cfg := a.Config
	policies, err := risk.NewPolicyStore(cfg.Risk.Policy)
	if err != nil {
		return err
	}
	a.Policies = policies

	var snapshots risk.SnapshotStore
	if a.pool != nil {
		snapshots = risk.NewPostgresSnapshotStore(a.pool)
	}
	a.RiskLedger = risk.NewLedger(cfg.Risk.Snapshot, a.Log, snapshots, o.now)
	a.Book = risk.NewBook(cfg.Service.StartingEquity, o.now)
	a.Market = risk.NewMarketMonitor(o.now)
	a.Drawdown = risk.NewDrawdownTracker()

	a.Levels = safety.NewLevelMachine(cfg.Safety.Levels, a.Log, a.Notifier, o.now)
	if err := a.Levels.Restore(ctx); err != nil {
		return err
	}
	a.Breaker = safety.NewBreaker(cfg.Safety.Breaker, a.Log, a.Notifier, o.now)
	if err := a.Breaker.Restore(ctx); err != nil {
		return err
	}
	a.Guard = &safety.Guard{Levels: a.Levels, Breaker: a.Breaker}

	a.Tracker = allocation.NewTracker(cfg.Allocation.Tracker)
	alloc, err := allocation.NewEngine(cfg.Allocation.Config, a.Tracker, a.Log, o.now)
	if err != nil {
		return err
	}
	a.Allocation = alloc
	return nil
}

func (a *App) buildExecution(o options) error {
	cfg := a.Config
	box, err := outbox.New(cfg.Outbox.Path, cfg.Outbox.DedupeWindow, o.now)
	if err != nil {
		return err
	}
	a.Outbox = box
	if cfg.Outbox.Paper {
		a.Paper = outbox.NewPaperExecutor(outbox.NewFillSimulator(cfg.Outbox.Sim), a.Bus, a.Signer, a.price, box)
	}

	opening := make(map[string]decimal.Decimal, len(cfg.Ledger.OpeningBalances))
	for asset, amt := range cfg.Ledger.OpeningBalances {
		opening[asset] = decimal.NewFromFloat(amt)
	}
	l, err := ledger.New(cfg.Ledger.Path, opening, o.now)
	if err != nil {
		return err
	}
	a.Ledger = l
	return nil
}

// price is the paper executor's quote: the latest market tick
func (a *App) price(symbol string) (float64, bool) {
	t, ok := a.Market.Get(symbol)
	if !ok || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}

func (a *App) buildTruth(o options) error {
	cfg := a.Config
	var store truth.Store = truth.NewMemoryStore()
	if a.pool != nil {
		store = truth.NewPostgresStore(a.pool)
	}
	eng, err := truth.NewEngine(cfg.Truth, truth.Deps{
		Belief:   truth.BookSource(a.Book),
		Store:    store,
		Log:      a.Log,
		Halter:   a.Breaker,
		Notifier: a.Notifier,
		Now:      o.now,
	})
	if err != nil {
		return err
	}
	for _, name := range cfg.Truth.Scopes {
		exchange := truth.NewRateLimited(name, truth.FillsSource(a.Outbox), cfg.Truth.ExchangeRPS, cfg.Truth.ExchangeBurst, cfg.Retry)
		if err := eng.Register(truth.Scope{Name: name, Exchange: exchange, DB: truth.SourceFunc(a.Ledger.Evidence)}); err != nil {
			return err
		}
	}
	a.Truth = eng
	return nil
}

func (a *App) buildGateway(o options) error {
	cfg := a.Config
	var store pending.Store
	if cfg.Pending.Backend == "redis" {
		store = pending.NewRedisStore(a.redis, cfg.Pending, cfg.Retry, o.now)
	} else {
		store = pending.NewMemoryStore(cfg.Pending, o.now)
	}
	a.Pending = store

	g, err := gateway.New(cfg.Gateway, gateway.Deps{
		Store:      store,
		Log:        a.Log,
		Cost:       cfg.Cost,
		Policies:   a.Policies,
		Ledger:     a.RiskLedger,
		Book:       a.Book,
		Market:     a.Market,
		Drawdown:   a.Drawdown,
		Guard:      a.Guard,
		Allocation: a.Allocation,
		Tracker:    a.Tracker,
		Outbox:     a.Outbox,
		Bus:        a.Bus,
		Signer:     a.Signer,
		Confidence: a.Truth.MinScore,
		Now:        o.now,
	})
	if err != nil {
		return err
	}
	a.Gateway = g
	return nil
}

func (a *App) buildOps(o options) error {
	cfg := a.Config.Ops
	var nonces ops.NonceStore
	if a.redis != nil {
		nonces = ops.NewRedisNonces(a.redis, a.Config.Redis.Prefix+"ops:nonce:")
	} else {
		nonces = ops.NewMemoryNonces(o.now)
	}
	auth := ops.NewAuthenticator(cfg.SigningSecret, cfg.Tolerance, ops.Permissions(cfg.Permissions), nonces, o.now)
	audit, err := ops.NewAuditLogger(cfg.AuditPath, cfg.AuditMaxSizeMB, cfg.AuditBackups)
	if err != nil {
		return err
	}
	a.Audit = audit
	a.onClose(audit.Close)

	x, err := ops.NewExecutor(ops.Deps{
		Auth:     auth,
		Audit:    audit,
		Log:      a.Log,
		Breaker:  a.Breaker,
		Levels:   a.Levels,
		Policies: a.Policies,
		Gateway:  a.Gateway,
		Bus:      a.Bus,
		Signer:   a.Signer,
		Now:      o.now,
	})
	if err != nil {
		return err
	}
	a.Ops = x
	if cfg.Slack.SigningSecret != "" {
		a.Slack = ops.NewSlackHandler(cfg.Slack, cfg.SigningSecret, x, nonces, o.now)
		a.Slack.Status = a.summary
	}
	return nil
}

func (a *App) buildSurfaces(o options) {
	if a.redis != nil {
		a.Keys = api.NewRedisKeys(a.redis, a.Config.Redis.Prefix)
	} else {
		a.Keys = api.NewMemoryKeys(o.now)
	}
	deps := api.Deps{
		Status:         a,
		Gateway:        a.Gateway,
		Breaker:        a.Breaker,
		Levels:         a.Levels,
		Allocation:     a.Allocation,
		Truth:          a.Truth,
		Ledger:         a.Ledger,
		Risk:           a.RiskLedger,
		Ops:            a.Ops,
		Keys:           a.Keys,
		Metrics:        promhttp.HandlerFor(observ.NewPrometheusRegistry(), promhttp.HandlerOpts{}),
		IdempotencyTTL: a.Config.API.IdempotencyTTL,
	}
	if a.Slack != nil {
		deps.Slack = a.Slack
	}
	a.API = api.New(deps)
	if a.Config.IPC.Enabled {
		a.IPC = ipc.NewServer(ipc.Config{Token: a.Config.IPC.Token, IdempotencyTTL: a.Config.API.IdempotencyTTL}, a.Gateway, a.Keys)
	}
}

// Handler is the HTTP surface
func (a *App) Handler() http.Handler { return a.API.Router() }

// Close releases resources in reverse build order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
