package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kevinxiao27/treesync/internal/config"
	"github.com/kevinxiao27/treesync/internal/logging"
	"github.com/kevinxiao27/treesync/server"
	"github.com/kevinxiao27/treesync/store"
)

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func openBadger(dir string, cfg config.ServerConfig, logger *slog.Logger) (*store.Badger, error) {
	bcfg := store.DefaultBadgerConfig()
	bcfg.Path = dir
	bcfg.Logger = logger
	bcfg.GCInterval = cfg.GCInterval
	bcfg.GCDiscardRatio = cfg.GCDiscardRatio
	return store.OpenBadger(bcfg)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if storage, _ := cmd.Flags().GetString("storage"); storage != "" {
		cfg.Server.Storage = storage
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	var st store.Store
	switch cfg.Server.Storage {
	case "badger":
		db, err := openBadger(cfg.Server.DataDir, cfg.Server, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		st = db
	default:
		st = store.NewMemory()
	}
	logger.Info("starting store server",
		slog.String("storage", cfg.Server.Storage),
		slog.String("addr", cfg.Server.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(st, logger).Run(ctx, cfg.Server.Addr)
}
