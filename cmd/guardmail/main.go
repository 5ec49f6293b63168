package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/category"
	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/di"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/poller"
	"github.com/mikey/guardmail/internal/ports"
	"github.com/mikey/guardmail/internal/retrain"
	"github.com/mikey/guardmail/internal/training"
)

var configFile = flag.String("config", "", "Path to config file (searches default locations if not specified)")

func main() {
	flag.Parse()

	// Build the dependency injection container
	container, err := di.BuildContainer(*configFile)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// deps are the components run needs from the container
type deps struct {
	dig.In

	Config    *config.Config
	Logger    *zap.Logger
	Store     store.Store
	Extractor core.FeatureExtractor
	Registry  *ensemble.Registry
	Scheduler *retrain.Scheduler
	Assigner  *category.Assigner
	Manager   *poller.Manager
	Accounts  []core.AccountConfig
	Filter    ports.EmailFilter
}

// run is the main application function that gets all dependencies injected
func run(d deps) error {
	defer d.Logger.Sync()
	defer func() {
		if err := d.Store.Close(); err != nil {
			d.Logger.Error("Failed to close store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Registry.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore model snapshots: %w", err)
	}
	if err := d.Scheduler.Bootstrap(ctx, func(ctx context.Context) error {
		if !d.Config.GetTraining().SeedCorpus {
			return nil
		}
		_, err := training.Seed(ctx, d.Store, d.Extractor, d.Logger.Named("seed"))
		return err
	}); err != nil {
		return fmt.Errorf("failed to bootstrap initial model: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Manager.Run(gctx, d.Accounts)
	})
	g.Go(func() error {
		return d.Scheduler.Run(gctx)
	})

	if d.Config.GetFilter().Enabled {
		if err := d.Filter.Start(); err != nil {
			return fmt.Errorf("failed to start filter: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return d.Filter.Stop()
		})
	}

	g.Go(func() error {
		return reloadOnHangup(gctx, d)
	})

	var version int64
	if active := d.Registry.Active(); active != nil {
		version = active.Version()
	}
	d.Logger.Info("Guardmail started",
		zap.Int("accounts", len(d.Accounts)),
		zap.Int64("model_version", version))

	err := g.Wait()
	d.Logger.Info("Shutdown complete")
	return err
}

// reloadOnHangup re-reads the category rules and the account list on SIGHUP.
// Accounts waiting on new credentials resume with the updated configuration.
func reloadOnHangup(ctx context.Context, d deps) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		cfg, err := config.Load(*configFile)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			d.Logger.Error("Failed to reload configuration, keeping current settings", zap.Error(err))
			continue
		}

		if path := cfg.GetRules().Path; path != "" {
			if err := d.Assigner.LoadFile(path); err != nil {
				d.Logger.Error("Failed to reload category rules", zap.Error(err))
			}
		}

		accounts, err := cfg.GetAccounts()
		if err != nil {
			d.Logger.Error("Failed to reload accounts", zap.Error(err))
			continue
		}
		wanted := make(map[string]bool, len(accounts))
		for _, account := range accounts {
			wanted[account.ID] = true
			if err := d.Manager.Update(account); err != nil {
				d.Logger.Error("Failed to update account", zap.String("account", account.ID), zap.Error(err))
			}
		}
		for _, status := range d.Manager.Statuses() {
			if !wanted[status.AccountID] {
				d.Manager.Remove(status.AccountID)
			}
		}
		d.Logger.Info("Configuration reloaded", zap.Int("accounts", len(accounts)))
	}
}
