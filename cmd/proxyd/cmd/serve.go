package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/osedukhin/proxyd/internal/api"
	"github.com/osedukhin/proxyd/internal/cache"
	"github.com/osedukhin/proxyd/internal/config"
	"github.com/osedukhin/proxyd/internal/logging"
	"github.com/osedukhin/proxyd/internal/shmem"
	"github.com/osedukhin/proxyd/internal/worker"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy host daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	// Shared region table: base size from config, plus every worker's
	// demand, announced before the block is mapped.
	registry := shmem.New()
	if err := registry.Reserve(cfg.Kernel.ShmemSize); err != nil {
		return err
	}
	if err := registry.Reserve(api.CounterRegionSize); err != nil {
		return err
	}
	if err := registry.Map(); err != nil {
		return err
	}
	if _, found, err := registry.Register(api.CounterRegion, api.CounterRegionSize); err != nil {
		return err
	} else if found {
		logger.Debug("shared counter region already present")
	}

	c, err := cache.New(cache.Config{
		HashSize:            cfg.Cache.HashSize,
		RAMSegCount:         cfg.Cache.RAMSegCount,
		FileSegCount:        cfg.Cache.FileSegCount,
		RAMSegSize:          cfg.Cache.RAMSegSize,
		FileSegSize:         cfg.Cache.FileSegSize,
		CacheDir:            cfg.Cache.Dir,
		MaintenanceInterval: cfg.Cache.MaintenanceInterval(),
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("cache startup failed: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("cache teardown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := worker.NewSupervisor(3, 2*time.Second, logger)
	maintenance := cache.NewManager(c, logger)
	if err := supervisor.Register("cache-maintenance", maintenance.Run); err != nil {
		return err
	}

	server := api.NewServer(cfg.API.Port, c, registry, logger)
	if err := supervisor.Register("api", server.Run); err != nil {
		return err
	}

	logger.Info("proxyd starting",
		"data_dir", cfg.Kernel.DataDir,
		"cache_dir", cfg.Cache.Dir,
		"api_port", cfg.API.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := supervisor.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	supervisor.Stop()
	logger.Info("proxyd stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
