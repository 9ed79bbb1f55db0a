package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billingkit/internal/db/migrations"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/email"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/idempotency"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/redis"
	"github.com/dmitrymomot/billingkit/pkg/requestid"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/pkg/usage"
	"github.com/dmitrymomot/billingkit/svc/checkout"
	"github.com/dmitrymomot/billingkit/svc/ingress"
	"github.com/dmitrymomot/billingkit/svc/notify"
	"github.com/dmitrymomot/billingkit/svc/reconciler"
)

const serviceName = "billingd"

// appConfig is the process-level configuration. Component settings live in
// each package's own Config.
type appConfig struct {
	Env             string        `env:"APP_ENV" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	ReadyTimeout    time.Duration `env:"READY_TIMEOUT" envDefault:"3s"`
	SweepSchedule   string        `env:"PROVISIONING_SWEEP_SCHEDULE" envDefault:"@every 5m"`
	PurgeSchedule   string        `env:"QUEUE_PURGE_SCHEDULE" envDefault:"@daily"`
}

func (c appConfig) development() bool {
	return strings.EqualFold(c.Env, logger.EnvDevelopment) || strings.EqualFold(c.Env, "dev")
}

func newLogger(cfg appConfig) *slog.Logger {
	opts := []logger.Option{
		logger.WithEnvironment(cfg.Env, serviceName),
		logger.WithContextExtractors(requestid.LoggerExtractor(), tenant.LoggerExtractor()),
	}
	if cfg.LogLevel != "" {
		opts = append(opts, logger.WithLevelName(cfg.LogLevel))
	}
	return logger.New(opts...)
}

// app holds the wired components shared by the commands.
type app struct {
	cfg appConfig
	log *slog.Logger

	pool  *pgxpool.Pool
	redis *goredis.Client

	catalog    *plans.Catalog
	tenants    tenant.Store
	provider   billing.Provider
	outbox     *queue.PgRepository
	enqueuer   *queue.Enqueuer
	worker     *queue.Worker
	dispatcher *provisioning.Dispatcher
	meter      *usage.Meter
	ledger     idempotency.Ledger
	reconciler *reconciler.Reconciler
	ingress    *ingress.Ingress
	checkout   *checkout.Service

	queueCfg  queue.Config
	ledgerCfg idempotency.Config
}

func loadApp() (appConfig, *slog.Logger, error) {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return cfg, nil, err
	}
	return cfg, newLogger(cfg), nil
}

// connect opens postgres and, when configured, redis.
func connect(ctx context.Context, log *slog.Logger) (*pgxpool.Pool, *goredis.Client, pg.Config, error) {
	var pgCfg pg.Config
	if err := config.Load(&pgCfg); err != nil {
		return nil, nil, pgCfg, err
	}
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return nil, nil, pgCfg, fmt.Errorf("connect postgres: %w", err)
	}

	var redisCfg redis.Config
	if err := config.Load(&redisCfg); err != nil {
		pool.Close()
		return nil, nil, pgCfg, err
	}
	if !redisCfg.Enabled() {
		log.InfoContext(ctx, "redis not configured")
		return pool, nil, pgCfg, nil
	}
	client, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		pool.Close()
		return nil, nil, pgCfg, fmt.Errorf("connect redis: %w", err)
	}
	return pool, client, pgCfg, nil
}

// newApp connects the stores and wires every component.
func newApp(ctx context.Context, cfg appConfig, log *slog.Logger) (*app, error) {
	pool, rdb, pgCfg, err := connect(ctx, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, pool: pool, redis: rdb}

	if pgCfg.AutoMigrate {
		if err := pg.MigrateFS(ctx, pool, migrations.FS, ".", pgCfg, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	var (
		plansCfg   plans.Config
		tenantCfg  tenant.Config
		billingCfg billing.Config
		stripeCfg  billing.StripeConfig
		paddleCfg  billing.PaddleConfig
		provCfg    provisioning.Config
		twilioCfg  provisioning.TwilioConfig
		emailCfg   email.Config
	)
	for _, c := range []func() error{
		func() error { return config.Load(&plansCfg) },
		func() error { return config.Load(&tenantCfg) },
		func() error { return config.Load(&billingCfg) },
		func() error { return config.Load(&stripeCfg) },
		func() error { return config.Load(&paddleCfg) },
		func() error { return config.Load(&provCfg) },
		func() error { return config.Load(&twilioCfg) },
		func() error { return config.Load(&emailCfg) },
		func() error { return config.Load(&a.queueCfg) },
		func() error { return config.Load(&a.ledgerCfg) },
	} {
		if err := c(); err != nil {
			return err
		}
	}

	catalog, err := plans.Load(plansCfg)
	if err != nil {
		return err
	}
	a.catalog = catalog

	provider, err := billing.NewProvider(billingCfg, stripeCfg, paddleCfg)
	if err != nil {
		return err
	}
	a.provider = provider

	a.tenants = tenant.NewCachedStore(tenant.NewPgStore(a.pool), tenantCfg.CacheSize, tenantCfg.CacheTTL)

	a.outbox = queue.NewPgRepository(a.pool)
	a.enqueuer, err = queue.NewEnqueuer(a.outbox, queue.WithDefaultMaxRetries(a.queueCfg.MaxRetries))
	if err != nil {
		return err
	}
	a.worker, err = queue.NewWorker(a.outbox,
		queue.WithConfig(a.queueCfg),
		queue.WithWorkerLogger(a.log),
	)
	if err != nil {
		return err
	}

	sender, err := email.NewSender(emailCfg, a.log)
	if err != nil {
		return err
	}
	notifier := notify.New(a.tenants, catalog, sender, a.enqueuer,
		notify.WithLogger(a.log),
		notify.WithBaseURL(a.cfg.PublicBaseURL),
	)

	a.meter = usage.NewMeter(a.tenants, catalog, usage.NewPgStore(a.pool),
		usage.WithLogger(a.log),
		usage.WithWarningSink(notifier),
	)

	a.dispatcher = provisioning.NewDispatcher(provisioning.NewPgStore(a.pool), a.provisioningOptions(provCfg, twilioCfg)...)

	a.reconciler = reconciler.New(tenant.FreshReads(a.tenants), catalog, a.meter, a.dispatcher, a.enqueuer,
		reconciler.WithLogger(a.log),
		reconciler.WithBcryptCost(tenantCfg.BcryptCost),
	)
	a.worker.RegisterHandlers(a.reconciler.Handlers()...)
	a.worker.RegisterHandlers(notifier.Handler())

	a.ledger, err = newLedger(a.ledgerCfg, a.pool, a.redis)
	if err != nil {
		return err
	}

	a.ingress = ingress.New(provider, a.ledger, a.reconciler, ingress.WithLogger(a.log))
	a.checkout = checkout.New(a.tenants, catalog, provider,
		checkout.WithLogger(a.log),
		checkout.WithCallTimeout(a.cfg.ProviderTimeout),
	)
	return nil
}

func (a *app) provisioningOptions(cfg provisioning.Config, twilioCfg provisioning.TwilioConfig) []provisioning.Option {
	opts := []provisioning.Option{
		provisioning.WithLogger(a.log),
		provisioning.WithClaimTTL(cfg.ClaimTTL),
		provisioning.WithSearchLimit(cfg.SearchLimit),
		provisioning.WithSearchFilter(provisioning.KindPhoneNumber, provisioning.Filter{
			Country:  cfg.Country,
			AreaCode: cfg.AreaCode,
		}),
	}
	switch {
	case twilioCfg.Enabled():
		opts = append(opts, provisioning.WithProvider(provisioning.KindPhoneNumber, provisioning.NewTwilioProvider(twilioCfg)))
	case a.cfg.development():
		a.log.Warn("twilio not configured, using in-memory phone numbers")
		opts = append(opts, provisioning.WithProvider(provisioning.KindPhoneNumber,
			provisioning.NewMemoryProvider("+15005550006", "+15005550007", "+15005550008")))
	default:
		a.log.Warn("twilio not configured, phone number provisioning disabled")
	}
	return opts
}

// newLedger picks the ledger backend. "auto" prefers redis.
func newLedger(cfg idempotency.Config, pool *pgxpool.Pool, rdb *goredis.Client) (idempotency.Ledger, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		if rdb == nil {
			return nil, errors.New("LEDGER_BACKEND=redis requires REDIS_URL")
		}
		return idempotency.NewRedisLedger(rdb, cfg), nil
	case "pg", "postgres":
		return idempotency.NewPgLedger(pool, cfg), nil
	case "auto", "":
		if rdb != nil {
			return idempotency.NewRedisLedger(rdb, cfg), nil
		}
		return idempotency.NewPgLedger(pool, cfg), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func (a *app) readinessChecks() []httpserver.Check {
	checks := []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(a.pool)}}
	if a.redis != nil {
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(a.redis)})
	}
	return checks
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", logger.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
