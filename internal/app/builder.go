package app

import (
	"fmt"
	"time"

	"tradevane/internal/analysis"
	"tradevane/internal/broker"
	"tradevane/internal/broker/syncengine"
	"tradevane/internal/cache"
	"tradevane/internal/config"
	"tradevane/internal/gateway/marketdata"
	"tradevane/internal/gateway/provider"
	"tradevane/internal/logger"
	"tradevane/internal/monitor"
	"tradevane/internal/pipeline"
	"tradevane/internal/ratelimit"
	"tradevane/internal/realtime"
	"tradevane/internal/scheduler"
	"tradevane/internal/secret"
	"tradevane/internal/store"
	"tradevane/internal/store/gormstore"
	transporthttp "tradevane/internal/transport/http"
)

// Builder assembles the application graph. The fn fields are override hooks
// for tests that substitute in-memory implementations.
type Builder struct {
	cfg *config.Config

	CacheFn  func(cfg config.RedisConfig) (cache.Store, error)
	StoreFn  func(cfg config.StoreConfig) (store.Store, error)
	SourceFn func(cfg config.MarketDataConfig) marketdata.Source
}

func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

func (b *Builder) Build() (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	cacheStore, err := b.buildCache()
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}
	db, err := b.buildStore()
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	box, err := secret.NewBox(cfg.App.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("build credential box: %w", err)
	}

	limiter := ratelimit.New(cacheStore, cfg.RateLimit)

	providers := provider.BuildProvidersFromConfig(cfg.AI.Models, time.Duration(cfg.AI.TimeoutSeconds)*time.Second)
	gateway := provider.NewGateway(providers,
		cfg.AI.BreakerFailureThreshold,
		time.Duration(cfg.AI.BreakerCooldownSeconds)*time.Second)

	source := b.buildMarketData()
	runner := analysis.NewRunner(cacheStore, limiter, gateway, cfg.AI.ValidationRetries)
	services := analysis.NewServices(runner, source, cfg.Analysis)

	rt := realtime.NewBroker()
	pipe := pipeline.New(services, db, rt, cfg.Analysis.Instruments)

	registry, intervals, err := buildBrokers(cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("build brokers: %w", err)
	}
	engine := syncengine.New(db, registry, box, cfg.Brokers.MaxAuthFailures, cfg.Brokers.FetchRetries)

	sweep, ok := config.ParseInterval(cfg.Scheduler.Interval)
	if !ok {
		return nil, fmt.Errorf("scheduler interval: invalid %q", cfg.Scheduler.Interval)
	}
	sched := scheduler.New(db, engine, intervals, sweep, cfg.Scheduler.MaxConcurrency)

	mon := monitor.New(db, cfg.Monitor.HealthyRate, cfg.Monitor.DegradedRate)

	router := &transporthttp.Router{
		Pipeline:     pipe,
		Scheduler:    sched,
		Monitor:      mon,
		Gateway:      gateway,
		Registry:     registry,
		Store:        db,
		Cache:        cacheStore,
		Box:          box,
		Realtime:     rt,
		TriggerToken: cfg.Scheduler.TriggerToken,
	}
	server, err := transporthttp.NewServer(cfg.App.HTTPAddr, router)
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}

	return &App{
		cfg:       cfg,
		server:    server,
		scheduler: sched,
		realtime:  rt,
		store:     db,
		pipeline:  pipe,
	}, nil
}

func (b *Builder) buildCache() (cache.Store, error) {
	if b.CacheFn != nil {
		return b.CacheFn(b.cfg.Redis)
	}
	return cache.NewRedisStore(cache.RedisOptions{
		Addr:     b.cfg.Redis.Addr,
		Password: b.cfg.Redis.Password,
		DB:       b.cfg.Redis.DB,
		Prefix:   b.cfg.Redis.Prefix,
	})
}

func (b *Builder) buildStore() (store.Store, error) {
	if b.StoreFn != nil {
		return b.StoreFn(b.cfg.Store)
	}
	return gormstore.NewGormStore(b.cfg.Store.Path)
}

func (b *Builder) buildMarketData() marketdata.Source {
	if b.SourceFn != nil {
		return b.SourceFn(b.cfg.MarketData)
	}
	return marketdata.NewClient(b.cfg.MarketData.BaseURL, b.cfg.MarketData.APIKey,
		time.Duration(b.cfg.MarketData.TimeoutSeconds)*time.Second)
}

func buildBrokers(cfg config.BrokersConfig) (*broker.Registry, map[string]time.Duration, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	var adapters []broker.Adapter
	intervals := make(map[string]time.Duration, 3)

	add := func(name string, bc config.BrokerConfig, build func() broker.Adapter) error {
		if !bc.Enabled {
			return nil
		}
		interval, ok := config.ParseInterval(bc.SyncInterval)
		if !ok {
			return fmt.Errorf("%s sync_interval: invalid %q", name, bc.SyncInterval)
		}
		adapters = append(adapters, build())
		intervals[name] = interval
		return nil
	}

	if err := add(string(broker.TypeTradovate), cfg.Tradovate, func() broker.Adapter {
		return broker.NewTradovateAdapter(cfg.Tradovate, timeout)
	}); err != nil {
		return nil, nil, err
	}
	if err := add(string(broker.TypeTradeStation), cfg.TradeStation, func() broker.Adapter {
		return broker.NewTradeStationAdapter(cfg.TradeStation, timeout)
	}); err != nil {
		return nil, nil, err
	}
	if err := add(string(broker.TypeTradier), cfg.Tradier, func() broker.Adapter {
		return broker.NewTradierAdapter(cfg.Tradier, timeout)
	}); err != nil {
		return nil, nil, err
	}

	for name := range intervals {
		logger.Infof("broker %s enabled, sync interval %s", name, intervals[name])
	}
	return broker.NewRegistry(adapters...), intervals, nil
}
