package app

import (
	"context"
	"fmt"
	"time"

	"strata/internal/allocation"
	"strata/internal/broker"
	"strata/internal/config"
	"strata/internal/control"
	"strata/internal/logger"
	"strata/internal/notify"
	"strata/internal/orders"
	"strata/internal/pkg/circuit"
	"strata/internal/report"
	"strata/internal/runner"
	"strata/internal/stack"
	"strata/internal/store"
	"strata/internal/store/sqlite"
	apihttp "strata/internal/transport/http"
)

const (
	venueBreakerThreshold = 5
	venueBreakerTimeout   = 30 * time.Second
)

// AppBuilder assembles the App. The function fields default to the real
// constructors and are replaceable for tests.
type AppBuilder struct {
	cfg *config.Config

	storesFn   func(*config.Config) (storeSetup, error)
	pricesFn   func(config.BrokerConfig) (broker.PriceSource, error)
	venueFn    func(config.BrokerConfig, broker.PriceSource) *broker.Paper
	notifierFn func(config.NotifyConfig) notify.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storesFn:   openStores,
		pricesFn:   buildPriceSource,
		venueFn:    buildPaperVenue,
		notifierFn: buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	stores, err := b.storesFn(cfg)
	if err != nil {
		return nil, err
	}

	ctrl := control.NewController(stores.control, control.Config{
		MaxRetries:      cfg.Control.MaxRetries,
		RetryWindow:     cfg.Control.RetryWindow(),
		FreshnessWindow: cfg.Control.FreshnessWindow(),
	})

	prices, err := b.pricesFn(cfg.Broker)
	if err != nil {
		return nil, err
	}
	venue := b.venueFn(cfg.Broker, prices)

	rolls, err := buildRollAllocator(cfg.Rolls)
	if err != nil {
		return nil, err
	}
	accounts, err := allocation.NewAccountAllocator(cfg.Accounts.Weights)
	if err != nil {
		return nil, err
	}

	alerter := notify.NewAlerter(b.notifierFn(cfg.Notify))
	breaker := circuit.NewBreaker("venue", venueBreakerThreshold, venueBreakerTimeout)

	handler, err := stack.NewHandler(stack.Deps{
		Store:     stores.stack,
		Contracts: rolls,
		Accounts:  accounts,
		Adapter:   venue,
		Prices:    prices,
		Breaker:   breaker,
		Alerter:   alerter,
	}, stack.Config{
		Policy:       orders.NewTradePolicy(cfg.Trading.MinTradeSize, cfg.Trading.BufferFraction),
		MaxPositions: maxPositionLimits(cfg),
	})
	if err != nil {
		return nil, err
	}

	registry, err := runner.NewRegistry(cfg.Registry.ProcessesFile)
	if err != nil {
		return nil, fmt.Errorf("load process registry: %w", err)
	}
	run := runner.NewRunner(registry, ctrl)
	run.Tick = cfg.Control.Tick()

	reporter := report.NewGenerator(stores.stack, report.Config{
		OutputDir: cfg.App.ReportDir,
		Snapshot:  true,
	})

	registerJobEntries(run, jobDeps{
		cfg:      cfg,
		stack:    handler,
		venue:    venue,
		store:    stores.stack,
		reporter: reporter,
	})

	server, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Store:   stores.stack,
		Stack:   handler,
		Control: ctrl,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:          cfg,
		runner:       run,
		server:       server,
		stackStore:   stores.stack,
		controlStore: stores.control,
	}, nil
}

type storeSetup struct {
	stack   store.Store
	control *control.Store
}

func openStores(cfg *config.Config) (storeSetup, error) {
	stackStore, err := sqlite.NewStore(cfg.App.StackDB)
	if err != nil {
		return storeSetup{}, fmt.Errorf("open stack store: %w", err)
	}
	controlStore, err := control.NewStore(cfg.App.ControlDB)
	if err != nil {
		_ = stackStore.Close()
		return storeSetup{}, fmt.Errorf("open control store: %w", err)
	}
	return storeSetup{stack: stackStore, control: controlStore}, nil
}

// buildPriceSource picks marks for the paper venue: static config prices, or
// live futures mark prices when the broker is binance-priced.
func buildPriceSource(cfg config.BrokerConfig) (broker.PriceSource, error) {
	switch cfg.Kind {
	case config.BrokerKindBinance:
		if len(cfg.Symbols) == 0 {
			return nil, fmt.Errorf("broker kind %q requires symbols", cfg.Kind)
		}
		return broker.NewBinancePriceSource(cfg.Symbols), nil
	default:
		return broker.NewStaticPrices(cfg.Marks), nil
	}
}

func buildPaperVenue(cfg config.BrokerConfig, prices broker.PriceSource) *broker.Paper {
	return broker.NewPaper(broker.PaperConfig{
		SlippageBps:       cfg.SlippageBps,
		MaxOrderSize:      cfg.MaxOrderSize,
		FillSlices:        cfg.FillSlices,
		CommissionPerFill: cfg.CommissionPerFill,
	}, prices)
}

func buildNotifier(cfg config.NotifyConfig) notify.TextNotifier {
	if cfg.Telegram.Enabled {
		return notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	return notify.LogNotifier{}
}

func buildRollAllocator(rules map[string]config.RollConfig) (*allocation.RollAllocator, error) {
	converted := make(map[string]allocation.RollRule, len(rules))
	for instrument, rule := range rules {
		converted[instrument] = allocation.RollRule{
			Current:  rule.Current,
			Next:     rule.Next,
			Fraction: rule.Fraction,
		}
	}
	return allocation.NewRollAllocator(converted)
}

// maxPositionLimits materializes the per-instrument caps for every
// instrument the roll config can trade, overrides included. Config loading
// has already normalized instrument keys to uppercase.
func maxPositionLimits(cfg *config.Config) map[string]float64 {
	if cfg.Trading.MaxPosition == 0 && len(cfg.Trading.MaxPositions) == 0 {
		return nil
	}
	out := make(map[string]float64, len(cfg.Rolls)+len(cfg.Trading.MaxPositions))
	for instrument := range cfg.Rolls {
		out[instrument] = cfg.Trading.MaxPositionFor(instrument)
	}
	for instrument, limit := range cfg.Trading.MaxPositions {
		out[instrument] = limit
	}
	return out
}

func WithStores(fn func(*config.Config) (storeSetup, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.storesFn = fn
		}
	}
}

func WithPriceSource(fn func(config.BrokerConfig) (broker.PriceSource, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.pricesFn = fn
		}
	}
}

func WithVenue(fn func(config.BrokerConfig, broker.PriceSource) *broker.Paper) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.venueFn = fn
		}
	}
}

func WithNotifier(fn func(config.NotifyConfig) notify.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.notifierFn = fn
		}
	}
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}
