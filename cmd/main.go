package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zirunbi/zirunbi/internal/api"
	"github.com/zirunbi/zirunbi/internal/clock"
	"github.com/zirunbi/zirunbi/internal/config"
	"github.com/zirunbi/zirunbi/internal/db"
	"github.com/zirunbi/zirunbi/internal/engine"
	"github.com/zirunbi/zirunbi/internal/notifier"
	"github.com/zirunbi/zirunbi/internal/pricing"
)

func main() {
	cfg := config.MustLoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Time source. The market trades on synced network time, not the host
	// clock; a failed initial sync is tolerable (zero offset) and retried.
	clk := clock.NewSyncedClock(cfg.TimeSyncURL, 10*time.Second)
	if err := clk.Sync(ctx); err != nil {
		log.Printf("[main] initial time sync failed, running on local time: %v", err)
	}
	go clk.Run(ctx, cfg.TimeSyncInterval)

	storage := mustOpenStorage(cfg)
	defer storage.Close()

	var notify notifier.Notifier = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notify = notifier.NewTelegramNotifier(
			cfg.TelegramToken, cfg.TelegramChatID, cfg.ProxyURL,
			cfg.NotificationRetries, cfg.NotificationDelay)
		log.Printf("[main] telegram notifications enabled")
	}

	symbols := make([]engine.SymbolSpec, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		symbols[i] = engine.SymbolSpec{
			Symbol:     s.Symbol,
			StartPrice: s.StartPrice,
			Volatility: s.Volatility,
		}
	}

	eng := engine.New(engine.Config{
		Symbols:                  symbols,
		UpdateInterval:           cfg.UpdateInterval,
		RecentCandles:            cfg.RecentCandles,
		InitialBalance:           cfg.InitialBalance,
		AllowOffHoursLimitOrders: cfg.AllowOffHoursLimitOrders,
	}, clk, pricing.NewModel(cfg.MaxPriceMovePerTick, cfg.MinPrice, cfg.PriceSeed), storage, notify)

	if err := eng.LoadState(ctx); err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}
	eng.Start(ctx)

	sessions := api.NewSessionStore(storage, clk, cfg.SessionTTL)
	srv := api.NewServer(cfg.WebListenAddr, eng, sessions, clk)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[main] received signal %v, shutting down", sig)
	case err := <-serverErr:
		log.Printf("[main] web server failed: %v", err)
	}

	cancel()
	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] web server shutdown: %v", err)
	}

	log.Printf("[main] bye")
}

func mustOpenStorage(cfg config.Config) db.Storage {
	switch cfg.Storage {
	case "postgres":
		s, err := db.NewPostgres(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			log.Fatalf("Failed to open postgres storage: %v", err)
		}
		return s
	case "memory":
		log.Printf("[main] using in-memory storage, state will not survive a restart")
		return db.NewMemory()
	default:
		s, err := db.NewSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite storage: %v", err)
		}
		return s
	}
}
