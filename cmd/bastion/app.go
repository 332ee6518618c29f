package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/coachpo/bastion/internal/app/correlation"
	"github.com/coachpo/bastion/internal/app/execution"
	"github.com/coachpo/bastion/internal/app/exitplan"
	"github.com/coachpo/bastion/internal/app/risk"
	"github.com/coachpo/bastion/internal/app/routing"
	"github.com/coachpo/bastion/internal/app/safety"
	"github.com/coachpo/bastion/internal/app/strategy"
	"github.com/coachpo/bastion/internal/domain/configstore"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/infra/adapters/fake"
	"github.com/coachpo/bastion/internal/infra/config"
	"github.com/coachpo/bastion/internal/infra/notify"
	"github.com/coachpo/bastion/internal/infra/persistence"
	"github.com/coachpo/bastion/internal/infra/persistence/migrations"
	"github.com/coachpo/bastion/internal/infra/persistence/postgres"
	"github.com/coachpo/bastion/internal/infra/retry"
	"github.com/coachpo/bastion/internal/infra/telemetry"
)

const meterName = "github.com/coachpo/bastion"

// app is the wired engine.
type app struct {
	cfg       config.AppConfig
	logger    *log.Logger
	telemetry *telemetry.Provider
	db        *persistence.Store
	store     configstore.Store
	users     *config.UserStore
	venues    *venue.Registry
	breaker   *safety.CircuitBreaker
	executor  *execution.Executor
	engine    *execution.Engine
}

type buildOptions struct {
	// advisory forces preview mode regardless of the stored user mode.
	advisory bool
}

func buildApp(ctx context.Context, cfg config.AppConfig, logger *log.Logger, opts buildOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry.Provider(cfg.Environment))
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry: %w", err)
	}
	a.telemetry = provider
	metrics, err := telemetry.NewEngineMetrics(provider.Meter(meterName), provider.Environment())
	if err != nil {
		return nil, fmt.Errorf("initialise metrics: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	users, err := config.OpenUserStore(ctx, a.store, cfg.User, prefixed(logger, "config "))
	if err != nil {
		return nil, err
	}
	if opts.advisory {
		users, err = config.NewUserStore(withMode(users.Current(), schema.ModeAdvisory), nil, prefixed(logger, "config "))
		if err != nil {
			return nil, err
		}
	}
	a.users = users

	a.venues, err = buildVenues(cfg, metrics)
	if err != nil {
		return nil, err
	}

	strategies, err := buildStrategies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.breaker = a.buildBreaker()

	bases, overrides := cfg.Scaler.Tables()
	scaler := risk.NewScaler(cfg.Scaler.Classifier(), bases, overrides)
	router := routing.NewRouter(cfg.Routing.Router(), a.venues, prefixed(logger, "routing "))
	guard := correlation.NewGuard(cfg.Correlation.Guard())
	engine := risk.NewEngine(risk.Options{
		Config:     cfg.Risk.Engine(),
		Scaler:     scaler,
		Router:     router,
		Guard:      guard,
		Strategies: strategies,
		Users:      users,
		Logger:     prefixed(logger, "risk "),
	})

	executor, err := execution.NewExecutor(execution.Options{
		Config:     cfg.Execution.Executor(),
		Venues:     a.venues,
		Risk:       engine,
		Router:     router,
		Aggregator: routing.NewAggregator(a.venues, cfg.Routing.RefreshConcurrency, prefixed(logger, "routing ")),
		Guard:      guard,
		Exits:      exitplan.NewManager(cfg.ExitPlan.Manager()),
		Locks:      safety.NewOperationLocks(cfg.Safety.LockTimeout, cfg.Safety.LockCooldown, time.Now),
		Cooldowns:  safety.NewCooldowns(cfg.Safety.Cooldowns()),
		Breaker:    a.breaker,
		Store:      a.store,
		Market:     nil,
		Metrics:    metrics,
		Clock:      time.Now,
		Logger:     prefixed(logger, "execution "),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise executor: %w", err)
	}
	if err := executor.Restore(ctx); err != nil {
		return nil, err
	}
	a.executor = executor
	a.engine = execution.NewEngine(executor, prefixed(logger, "engine "))

	logger.Printf("engine wired: env=%s venues=%v strategies=%v mode=%s", cfg.Environment, a.venues.Names(), strategies.Names(), users.Current().Mode)
	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if !a.cfg.Database.Enabled {
		a.store = configstore.NewMemory()
		a.logger.Printf("database disabled; state kept in memory")
		return nil
	}
	dbCfg := a.cfg.Database
	if dbCfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, dbCfg.DSN, prefixed(a.logger, "migrate ")); err != nil {
			return err
		}
	}
	db, err := persistence.Open(ctx, persistence.PoolConfig{
		DSN:               dbCfg.DSN,
		MaxConns:          dbCfg.MaxConns,
		MinConns:          dbCfg.MinConns,
		MaxConnLifetime:   dbCfg.MaxConnLifetime,
		MaxConnIdleTime:   dbCfg.MaxConnIdleTime,
		HealthCheckPeriod: dbCfg.HealthCheckPeriod,
	})
	if err != nil {
		return err
	}
	a.db = db
	if err := postgres.ObservePoolMetrics(db.Pool(), "primary", a.telemetry.Environment()); err != nil {
		a.logger.Printf("database pool metrics unavailable: %v", err)
	}
	a.store = postgres.NewConfigStore(db.Pool())
	return nil
}

func (a *app) buildBreaker() *safety.CircuitBreaker {
	return safety.NewCircuitBreaker(safety.BreakerOptions{
		MaxConsecutiveLosses: a.cfg.Safety.MaxConsecutiveLosses,
		Modes:                a.users,
		Notifier:             buildNotifier(a.cfg.Notify, a.logger),
		Logger:               prefixed(a.logger, "safety "),
		OnTrip:               nil,
	})
}

func buildVenues(cfg config.AppConfig, metrics *telemetry.EngineMetrics) (*venue.Registry, error) {
	registry := venue.NewRegistry()
	enabled := cfg.EnabledVenues()
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vc := enabled[name]
		inner := fake.New(fake.Options{
			Name:    name,
			Cash:    vc.Cash,
			Asset:   vc.Asset,
			Prices:  vc.Prices,
			Symbols: nil,
			Clock:   nil,
		})
		policy := vc.Policy()
		venueName := name
		policy.OnRetry = func(_ int, _ error, _ time.Duration) {
			metrics.RecordRetry(context.Background(), venueName, "venue_call")
		}
		if err := registry.Register(retry.WrapAdapter(inner, policy, retry.NewLimiter(vc.RateLimit, vc.Burst))); err != nil {
			return nil, fmt.Errorf("register venue %s: %w", name, err)
		}
	}
	return registry, nil
}

func buildStrategies(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (*strategy.Registry, error) {
	registry, err := strategy.NewRegistry(strategy.Builtins()...)
	if err != nil {
		return nil, err
	}
	registry.OnError(func(name string, err error) {
		logger.Printf("strategy error, using defaults: strategy=%s err=%v", name, err)
	})
	loaded, err := strategy.LoadInto(ctx, registry, cfg.Strategies.Directory)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	if len(loaded) > 0 {
		logger.Printf("scripted strategies loaded: dir=%s names=%v", cfg.Strategies.Directory, loaded)
	}
	return registry, nil
}

func buildNotifier(cfg config.NotifyConfig, logger *log.Logger) notify.Notifier {
	sinks := []notify.Notifier{notify.NewLog(prefixed(logger, "notify "))}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhook(cfg.WebhookURL, cfg.Source, cfg.Timeout)
		if err != nil {
			logger.Printf("webhook notifier disabled: %v", err)
		} else {
			sinks = append(sinks, webhook)
		}
	}
	return notify.Multi(sinks)
}

func (a *app) close(ctx context.Context) {
	if a.db != nil {
		a.db.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Printf("telemetry shutdown: %v", err)
		}
	}
}

func prefixed(logger *log.Logger, prefix string) *log.Logger {
	return log.New(logger.Writer(), logger.Prefix()+prefix, logger.Flags())
}

func withMode(cfg schema.UserConfig, mode schema.Mode) schema.UserConfig {
	cfg.Mode = mode
	return cfg
}
