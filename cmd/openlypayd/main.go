package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"openlypay/chain"
	"openlypay/config"
	"openlypay/engine"
	"openlypay/ledger"
	"openlypay/models"
	"openlypay/notify"
	"openlypay/observability"
	"openlypay/observability/logging"
	"openlypay/server"
	"openlypay/settle"
	"openlypay/watcher"
)

const startupTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "openlypayd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("openlypayd", cfg.Environment)

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, cancelStart := context.WithTimeout(rootCtx, startupTimeout)
	contexts, err := buildChainContexts(startCtx, cfg)
	cancelStart()
	if err != nil {
		logger.Error("connect chain", "error", err)
		os.Exit(1)
	}
	resolver := chain.NewResolver(contexts...)

	led := ledger.New(db)
	metrics := observability.Gateway()
	telegram := buildTelegram(cfg, logger)
	activity := notify.NewActivityRecorder(db, logger)
	webhooks := notify.NewWebhookDispatcher(led, logger)

	eng := engine.New(engine.Config{
		Ledger:        led,
		Resolver:      resolver,
		Webhooks:      webhooks,
		Telegram:      telegram,
		Activity:      activity,
		Metrics:       metrics,
		Logger:        logger,
		QueueCapacity: cfg.QueueCapacity,
	})

	settleNetwork, err := chain.ParseNetwork(cfg.SettleNetwork)
	if err != nil {
		logger.Error("settlement network", "error", err)
		os.Exit(1)
	}
	settlement := settle.New(settle.Config{
		Ledger:    led,
		Resolver:  resolver,
		Telegram:  telegram,
		Activity:  activity,
		Metrics:   metrics,
		Logger:    logger,
		Network:   settleNetwork,
		Threshold: cfg.SettleThreshold,
	})

	var wg sync.WaitGroup
	for _, cctx := range contexts {
		network := cctx.Network
		w := watcher.New(cctx, led, eng, metrics, logger).
			WithPollInterval(cfg.WatchInterval).
			WithLookback(cfg.Lookback)
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Run(rootCtx)
		}()
		go func() {
			defer wg.Done()
			eng.RunWorker(rootCtx, network)
		}()
	}

	recoverer := engine.NewRecoverer(eng).
		WithInterval(cfg.SweepInterval).
		WithStaleness(cfg.Staleness)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recoverer.Run(rootCtx)
	}()

	scheduler := settle.NewScheduler(settle.SchedulerConfig{
		Engine:    settlement,
		RunHour:   cfg.SettleHour,
		RunMinute: cfg.SettleMinute,
		Location:  time.UTC,
		Logger:    logger,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Start(rootCtx)
	}()

	srv := server.New(server.Config{
		Ledger:     led,
		Resolver:   resolver,
		Settlement: settlement,
		Telegram:   telegram,
		Activity:   activity,
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	logger.Info("stopped")
}

// openDatabase picks the gorm driver by DSN scheme: postgres URLs go to
// the postgres driver, anything else is treated as a sqlite path.
func openDatabase(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
}

func buildChainContexts(ctx context.Context, cfg *config.Config) ([]*chain.Context, error) {
	var contexts []*chain.Context
	candidates := []struct {
		network chain.Network
		nc      *config.NetworkConfig
	}{
		{chain.NetworkTestnet, cfg.Testnet},
		{chain.NetworkMainnet, cfg.Mainnet},
	}
	for _, candidate := range candidates {
		if candidate.nc == nil {
			continue
		}
		cctx, err := chain.NewContext(ctx, chain.ContextConfig{
			Network:        candidate.network,
			RPCURL:         candidate.nc.RPCURL,
			PrivateKey:     candidate.nc.PrivateKey,
			GatewayAddress: candidate.nc.GatewayAddress,
			ChainID:        candidate.nc.ChainID,
		})
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, cctx)
	}
	return contexts, nil
}

func buildTelegram(cfg *config.Config, logger *slog.Logger) notify.Sink {
	if cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
		logger.Warn("telegram notifications disabled, credentials not set")
		return notify.NopSink{}
	}
	return notify.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
}
