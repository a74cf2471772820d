// Sigbot - Automated signal-to-trade pipeline for Solana tokens
//
// Pipeline:
// 1. Chain events arrive from a websocket stream, webhooks or the synthetic feed
// 2. Swaps by tracked wallets become trade signals
// 3. Signals are filtered, queued and risk-assessed
// 4. Approved signals are executed on the paper or live broker
// 5. Open positions are monitored for stop-loss, take-profit and trailing exits
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/bot"
	"github.com/web3guy0/sigbot/core"
	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/exec"
	"github.com/web3guy0/sigbot/execution"
	"github.com/web3guy0/sigbot/feeds"
	"github.com/web3guy0/sigbot/ingress"
	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/risk"
	"github.com/web3guy0/sigbot/storage"
)

const version = "1.0.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if strings.ToLower(os.Getenv("LOG_FORMAT")) != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("                    SIGBOT v%s", version)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.PyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "sigbot",
			ServerAddress:   cfg.PyroscopeAddr,
			Tags:            map[string]string{"mode": string(cfg.TradingMode)},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Warn().Err(err).Msg("Profiler failed to start")
		} else {
			defer func() { _ = profiler.Stop() }()
			log.Info().Str("addr", cfg.PyroscopeAddr).Msg("🔥 Profiling enabled")
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	clk := clock.New()
	bus := events.NewBus()

	// 1. Storage (audit trail + position recovery)
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Database connection failed, continuing without persistence")
		db, _ = storage.New("")
	}
	writer := storage.NewWriter(db, bus, 1024)
	writer.Start()
	log.Info().Bool("enabled", db.IsEnabled()).Msg("✅ Storage layer initialized")

	// 2. Broker
	var broker exec.Broker
	if cfg.IsLive() {
		live, err := exec.NewLiveBroker(exec.LiveConfig{
			BaseURL:    cfg.BrokerURL,
			APIKey:     cfg.BrokerAPIKey,
			SigningKey: cfg.BrokerSigningKey,
			Timeout:    cfg.BrokerTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize live broker")
		}
		broker = live
	} else {
		broker = exec.NewPaperBroker(exec.PaperConfig{
			SuccessRate:    cfg.PaperSuccessRate,
			MaxSlippageBps: cfg.MaxSlippageBps,
			FeeRate:        cfg.PaperFeeRate,
			InitialBalance: cfg.InitialBalance,
		}, nil)
	}
	log.Info().Str("mode", string(broker.Mode())).Msg("✅ Execution layer initialized")

	// 3. Ledger, executor and risk
	ledger := execution.NewLedger(clk, cfg.InitialBalance)
	executor := execution.NewExecutor(broker, ledger, clk, cfg.MaxSlippageBps)
	breaker := risk.NewCircuitBreaker(clk, cfg.MaxConsecutiveLosses, cfg.PortfolioCap.Mul(cfg.DailyDrawdownLimit), cfg.CircuitBreakerCooldown)
	assessor := risk.NewAssessor(cfg, breaker, clk)
	log.Info().Msg("✅ Risk layer initialized")

	// 4. Event stream
	registry := core.NewTokenRegistry(nil)
	var stream feeds.Stream
	var prices feeds.PriceSource

	if cfg.StreamURL != "" {
		cm, err := feeds.NewConnectionManager(feeds.StreamConfig{
			URL:               cfg.StreamURL,
			APIKey:            cfg.StreamAPIKey,
			Source:            "WHALE",
			HeartbeatInterval: cfg.HeartbeatInterval,
			Backoff:           feeds.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
			MaxReconnects:     cfg.MaxReconnects,
		}, feeds.WSDialer{HandshakeTimeout: 10 * time.Second}, clk, bus)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize stream")
		}
		for _, wallet := range cfg.TrackedWallets {
			if _, err := cm.SubscribeTransactions(wallet); err != nil {
				log.Warn().Err(err).Str("wallet", wallet).Msg("Transaction subscription failed")
			}
			if _, err := cm.SubscribeAccount(wallet); err != nil {
				log.Warn().Err(err).Str("wallet", wallet).Msg("Account subscription failed")
			}
		}
		if cfg.TradingWallet != "" {
			if _, err := cm.SubscribeAccount(cfg.TradingWallet); err != nil {
				log.Warn().Err(err).Msg("Trading wallet subscription failed")
			}
		}
		stream = cm
		log.Info().Int("wallets", len(cfg.TrackedWallets)).Msg("✅ Chain stream initialized")
	} else {
		quote := ""
		if len(cfg.QuoteMints) > 0 {
			quote = cfg.QuoteMints[0]
		}
		synth := feeds.NewSyntheticFeed(feeds.SyntheticConfig{
			Tokens:    feeds.DefaultSyntheticTokens(),
			QuoteMint: quote,
			Interval:  cfg.SyntheticInterval,
			BuyBias:   0.6,
		}, clk, bus, nil)
		for id, symbol := range synth.Symbols() {
			registry.Add(id, symbol)
		}
		stream = synth
		prices = synth
		log.Info().Int("tokens", registry.Count()).Msg("✅ Synthetic feed initialized")
	}

	// 5. Market data
	if cfg.PriceAPIURL != "" {
		vs := ""
		if len(cfg.QuoteMints) > 0 {
			vs = cfg.QuoteMints[0]
		}
		src, err := feeds.NewHTTPPriceSource(cfg.PriceAPIURL, vs, cfg.PriceRatePerMin, cfg.PriceRequestBurst)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize price source")
		}
		prices = src
		log.Info().Msg("✅ Price API initialized")
	}

	// 6. Core engine
	engine, err := core.NewEngine(core.Deps{
		Config:     cfg,
		Clock:      clk,
		Bus:        bus,
		Executor:   executor,
		Assessor:   assessor,
		Stream:     stream,
		Prices:     prices,
		Registry:   registry,
		Reconciler: execution.NewReconciler(ledger, db),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	log.Info().Msg("✅ Core engine initialized")

	// 7. Ingress
	var server *ingress.Server
	if cfg.WebhookAddr != "" {
		server = ingress.NewServer(ingress.Config{
			Addr:       cfg.WebhookAddr,
			Secret:     cfg.WebhookSecret,
			RatePerMin: cfg.IngressRatePerMin,
		}, engine, clk)
	}

	// 8. Telegram
	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" {
		var history bot.TradeHistory
		if db.IsEnabled() {
			history = db
		}
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine, history)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot disabled")
			tg = nil
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msg("║              📡 SIGNAL PIPELINE CONFIGURATION                ║")
	log.Info().Msg("╠══════════════════════════════════════════════════════════════╣")
	log.Info().Msgf("║  Mode: %-53s ║", cfg.TradingMode)
	log.Info().Msgf("║  Auto trading: %-45t ║", cfg.AutoTradingEnabled)
	log.Info().Msgf("║  Sources: %-50s ║", strings.Join(cfg.SignalSources, ", "))
	log.Info().Msgf("║  Min confidence: %-43.2f ║", cfg.MinConfidenceThreshold)
	log.Info().Msgf("║  Max position: %-45s ║", cfg.MaxPositionSize.String())
	log.Info().Msgf("║  Portfolio cap: %-44s ║", cfg.PortfolioCap.String())
	log.Info().Msgf("║  Stop loss: %-48s ║", cfg.StopLossPct.String())
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	if server != nil {
		server.Start()
	}
	if tg != nil {
		tg.Start(bus)
		tg.NotifyStartup()
	}

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Ingress shutdown incomplete")
		}
		done()
	}
	if tg != nil {
		tg.Stop()
	}

	// Engine.Stop closes the bus, which ends the writer's subscription
	engine.Stop()
	writer.Close()
	db.Close()

	snap := engine.Snapshot()
	log.Info().
		Str("portfolio", snap.PortfolioValue.StringFixed(4)).
		Str("total_pnl", snap.TotalPnL.StringFixed(4)).
		Int("open_positions", snap.OpenPositions).
		Msg("📊 Session summary")

	log.Info().Msg("👋 Goodbye!")
}
