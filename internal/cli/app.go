package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"algotrader/internal/balance"
	"algotrader/internal/book"
	"algotrader/internal/capital"
	"algotrader/internal/engine"
	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/internal/market"
	"algotrader/internal/monitor"
	"algotrader/internal/notify"
	"algotrader/internal/order"
	"algotrader/internal/risk"
	"algotrader/internal/settings"
	"algotrader/internal/signal"
	"algotrader/pkg/cache"
	"algotrader/pkg/config"
	"algotrader/pkg/crypto"
	"algotrader/pkg/db"
	"algotrader/pkg/exchanges/bybit"
	"algotrader/pkg/exchanges/common"
)

const venue = "bybit-linear"

// app is the wired component graph shared by every command.
type app struct {
	cfg      *config.Config
	db       *db.Database
	bus      *events.Bus
	metrics  *monitor.Metrics
	client   *bybit.Client
	gateway  common.Gateway
	ledger   *capital.Ledger
	book     *book.Book
	prices   *market.Prices
	universe *market.Universe
	settings *settings.Settings
	router   *order.Router
	balance  *balance.Manager
	risk     *risk.Manager
	notifier notify.Notifier

	closers []func()
}

// newApp opens storage and builds everything except the scan loop.
// Virtual state is restored from the database before returning.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	keys, err := crypto.KeyringFromEnv(os.Getenv)
	if err != nil && !errors.Is(err, crypto.ErrNoKey) {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	if err := revealSecrets(keys, cfg); err != nil {
		return nil, err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &app{cfg: cfg, db: database, closers: []func(){func() { database.Close() }}}
	if err := db.ApplyMigrations(database); err != nil {
		a.close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	logger.Infof("[main] using database %s", cfg.DBPath)

	a.bus = events.NewBus()
	a.metrics = monitor.NewMetrics()
	a.risk = risk.NewManager(risk.DefaultConfig())

	a.client = bybit.New(bybit.Config{
		APIKey:     cfg.BybitAPIKey,
		APISecret:  cfg.BybitAPISecret,
		BaseURL:    cfg.BybitBaseURL,
		RecvWindow: cfg.RecvWindow,
	})
	a.gateway = monitor.NewTimedGateway(a.client, a.metrics)

	a.ledger = capital.NewLedger(database, capital.Defaults{
		VirtualStartBalance: decimal.NewFromFloat(cfg.VirtualStartBalance),
		Currency:            cfg.Currency,
	})
	a.prices = market.NewPrices(a.client, cache.NewShardedPriceCache(), 0)
	a.universe = market.NewUniverse(a.client, a.client, cfg.Symbols, cfg.MaxSymbols)
	a.settings = settings.New(database, cfg, a.bus)
	if cfg.SettingsFile != "" {
		if err := a.settings.LoadFile(ctx, cfg.SettingsFile); err != nil {
			logger.Warnf("[main] settings file: %v", err)
		}
	}

	tp := decimal.NewFromFloat(cfg.TakeProfitPct)
	sl := decimal.NewFromFloat(cfg.StopLossPct)
	deps := order.Deps{
		Trades:  database,
		Capital: a.ledger,
		Prices:  a.prices,
		Bus:     a.bus,
	}
	switch cfg.Mode {
	case config.ModeVirtual:
		a.book = book.New(book.Config{Mode: cfg.Mode, TakeProfitPct: tp, StopLossPct: sl},
			a.ledger, database, a.prices, database, a.bus)
		if err := a.book.Load(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("restore virtual book: %w", err)
		}
		deps.Book = a.book
	case config.ModeReal:
		deps.Live = order.NewLiveExecutor(a.gateway, a.bus, order.LiveConfig{
			ConfirmDelay:  cfg.ConfirmDelay,
			TakeProfitPct: tp,
			StopLossPct:   sl,
		})
		a.balance = balance.NewManager(a.gateway, a.ledger, a.bus, cfg.Currency, cfg.BalanceSyncInterval)
	}
	a.router, err = order.NewRouter(cfg.Mode, cfg.DefaultLeverage, deps)
	if err != nil {
		a.close()
		return nil, err
	}

	a.notifier = notify.Multi{
		notify.Discord{URL: cfg.DiscordWebhookURL},
		notify.Telegram{Token: cfg.TelegramBotToken, ChatID: cfg.TelegramChatID},
	}
	return a, nil
}

// revealSecrets opens any ENC[...] values in place.
func revealSecrets(keys *crypto.Keyring, cfg *config.Config) error {
	for name, field := range map[string]*string{
		"BYBIT_API_KEY":      &cfg.BybitAPIKey,
		"BYBIT_API_SECRET":   &cfg.BybitAPISecret,
		"TELEGRAM_BOT_TOKEN": &cfg.TelegramBotToken,
		"JWT_SECRET":         &cfg.JWTSecret,
	} {
		plain, err := crypto.Reveal(keys, *field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// scorer builds the scoring chain: remote worker, local model, then the
// heuristic fallback built into signal.Chain.
func (a *app) scorer() signal.Scorer {
	var chain signal.Chain
	if a.cfg.ScorerAddr != "" {
		g, err := signal.NewGRPCScorer(a.cfg.ScorerAddr)
		if err != nil {
			logger.Warnf("[main] grpc scorer %s: %v", a.cfg.ScorerAddr, err)
		} else {
			chain = append(chain, g)
			a.closers = append(a.closers, func() { g.Close() })
		}
	}
	if a.cfg.ScorerModelPath != "" {
		o, err := signal.NewONNXScorer(a.cfg.ScorerModelPath, a.cfg.OnnxRuntimeLib)
		if err != nil {
			logger.Warnf("[main] onnx scorer %s: %v", a.cfg.ScorerModelPath, err)
		} else {
			chain = append(chain, o)
			a.closers = append(a.closers, o.Close)
		}
	}
	return chain
}

func (a *app) analyzer() *signal.Analyzer {
	return signal.NewAnalyzer(a.client, signal.AnalyzerConfig{Interval: a.cfg.KlineInterval})
}

// loop builds the scan-and-trade loop on top of the app.
func (a *app) loop() (*engine.Loop, error) {
	deps := engine.Deps{
		Symbols:  a.universe,
		Signals:  a.analyzer(),
		Scorer:   a.scorer(),
		Router:   a.router,
		Settings: a.settings,
		Risk:     a.risk,
		Store:    a.db,
		Notifier: a.notifier,
		Bus:      a.bus,
		Metrics:  a.metrics,
	}
	if a.book != nil {
		deps.Filler = a.router
	}
	return engine.NewLoop(deps, engine.Options{
		ScanPause:    a.cfg.ScanPause,
		FillInterval: a.cfg.FillInterval,
	})
}

// service exposes the core to the API and one-shot commands. loop may be nil.
func (a *app) service(loop *engine.Loop) *engine.Impl {
	return engine.NewImpl(engine.Config{
		Router:  a.router,
		Book:    a.book,
		Ledger:  a.ledger,
		Prices:  a.prices,
		Loop:    loop,
		Balance: a.balance,
		Risk:    a.risk,
		Meta:    engine.SystemStatus{Venue: venue, Version: version},
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
