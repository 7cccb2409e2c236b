package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"perpdesk/internal/api"
	"perpdesk/internal/command"
	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/internal/ledger"
	"perpdesk/internal/live"
	"perpdesk/internal/market"
	"perpdesk/internal/monitor"
	"perpdesk/internal/persistence"
	"perpdesk/internal/reconciliation"
	sig "perpdesk/internal/signal"
	"perpdesk/pkg/cache"
	"perpdesk/pkg/config"
	"perpdesk/pkg/db"
	exfutusdt "perpdesk/pkg/exchanges/binance/futures_usdt"
	"perpdesk/pkg/i18n"
	"perpdesk/pkg/precision"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.M().ConfigLoadFailed, err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	msg := i18n.M()
	log.Println(msg.Starting)
	log.Printf(msg.ConfigLoaded, cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	prices := cache.NewPriceCache()
	executor := command.NewExecutor(cfg.CommandWorkers)

	var database *db.Database
	var journal *persistence.Journal
	if cfg.EnableJournal {
		log.Printf(msg.UsingDBPath, cfg.JournalDBPath)
		database, err = db.New(cfg.JournalDBPath)
		if err != nil {
			log.Fatalf(msg.DBInitFailed, err)
		}
		defer database.Close()
		if err := db.ApplyMigrations(database); err != nil {
			log.Fatalf(msg.DBMigrationsFailed, err)
		}
		journal = persistence.NewJournal(database, 50, 500*time.Millisecond)
		journal.SetMetrics(metrics)
		log.Println(msg.JournalEnabled)
	}

	// Backends
	sim := ledger.New(cfg.SimInitialBalance)
	backends := []engine.Engine{sim}
	histories := []*engine.History{sim.History()}

	var client *exfutusdt.Client
	var adapter *live.Adapter
	if cfg.HasLiveCredentials() {
		client = exfutusdt.NewClient(exfutusdt.Config{
			APIKey:     cfg.BinanceUSDTKey,
			APISecret:  cfg.BinanceUSDTSecret,
			Testnet:    cfg.BinanceTestnet,
			RecvWindow: cfg.RecvWindowMs,
		})
		client.TimeSync().Start(ctx)

		rules := precision.NewResolver(client, cfg.SymbolInfoTTL)
		if err := rules.Refresh(ctx); err != nil {
			log.Printf("precision: initial exchange info load failed: %v", err)
		}
		adapter = live.New(client, rules, live.Config{
			QuoteAsset:     cfg.QuoteAsset,
			AccountTTL:     cfg.AccountCacheTTL,
			OrdersTTL:      cfg.OrdersCacheTTL,
			SettleDelay:    cfg.BracketSettleDelay,
			BracketGap:     cfg.BracketGap,
			BracketRetries: cfg.BracketRetries,
		})
		adapter.SetMetrics(metrics)
		backends = append(backends, adapter)
		histories = append(histories, adapter.History())
		log.Printf(msg.LiveEnabled, cfg.BinanceTestnet)
	} else {
		log.Println(msg.LiveDisabled)
	}

	for _, h := range histories {
		h.AddSink(events.TradeSink{Bus: bus})
		if journal != nil {
			h.AddSink(journal)
		}
	}
	registry := engine.NewRegistry(backends...)

	g, gctx := errgroup.WithContext(ctx)

	// Command results feed metrics and the websocket stream.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case res, ok := <-executor.Results():
				if !ok {
					return nil
				}
				metrics.ObserveCommand(res.Latency, res.Success)
				bus.Publish(events.EventCommandResult, res)
			}
		}
	})

	// Price feed
	if cfg.UseMockFeed || client == nil {
		feed := &market.MockFeed{
			Prices:   prices,
			Bus:      bus,
			Metrics:  metrics,
			Symbols:  cfg.Symbols,
			Interval: cfg.PricePollInterval,
			StartPrices: map[string]float64{
				"BTCUSDT": 60000,
				"ETHUSDT": 3000,
			},
		}
		feed.Start(gctx)
	} else {
		feed := &market.Feed{
			Source:   client,
			Prices:   prices,
			Bus:      bus,
			Metrics:  metrics,
			Symbols:  cfg.Symbols,
			Interval: cfg.PricePollInterval,
		}
		feed.Start(gctx)
	}

	watcher := &market.Watcher{
		Engines:  backends,
		Prices:   prices,
		Bus:      bus,
		Metrics:  metrics,
		Interval: cfg.TPSLCheckInterval,
		MaxAge:   10 * cfg.PricePollInterval,
	}
	watcher.Start(gctx)

	if adapter != nil {
		var store reconciliation.Store
		if database != nil {
			store = database
		}
		recon := reconciliation.NewService(adapter, store, bus, cfg.ReconInterval)
		recon.Start(gctx)
	}

	alerts := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}
	alerts.Start(gctx)

	style, err := sig.ParseStyle(cfg.SignalStyle)
	if err != nil {
		log.Printf("signal: %v, using conservative", err)
		style = sig.StyleConservative
	}
	marginMode, err := engine.ParseMarginMode(cfg.DefaultMarginMode)
	if err != nil {
		log.Printf("config: %v, using CROSS", err)
		marginMode = engine.MarginCross
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "dev"
	}
	if cfg.OperatorKey == "" {
		log.Println("⚠️ OPERATOR_KEY not set: trading endpoints are disabled")
	}
	server := api.NewServer(api.Deps{
		Bus:      bus,
		Engines:  registry,
		Executor: executor,
		Prices:   prices,
		Metrics:  metrics,
		DB:       database,
		Auth:     api.AuthConfig{JWTSecret: cfg.JWTSecret, OperatorKey: cfg.OperatorKey},
		Defaults: api.TradeDefaults{
			Notional:          cfg.DefaultTradeAmount,
			Leverage:          cfg.DefaultLeverage,
			MarginMode:        marginMode,
			Style:             style,
			AutoTradeInterval: cfg.AutoTradeInterval,
		},
		Meta: api.SystemMeta{
			Testnet:     cfg.BinanceTestnet,
			Symbols:     cfg.Symbols,
			UseMockFeed: cfg.UseMockFeed || client == nil,
			Language:    strings.ToLower(cfg.Language),
			Version:     buildVersion,
		},
	})

	g.Go(func() error {
		log.Printf(msg.ServerListening, cfg.Port)
		if err := server.Start(gctx, ":"+cfg.Port); err != nil {
			log.Printf(msg.APIServerError, err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf(msg.APIServerError, err)
	}

	log.Println(msg.ShuttingDown)
	executor.Close()
	if journal != nil {
		journal.Close()
	}
}
