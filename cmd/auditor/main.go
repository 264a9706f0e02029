package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/basket/backend/internal/auditor"
	"github.com/coldbell/basket/backend/internal/config"
	"github.com/coldbell/basket/backend/internal/logging"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAuditorConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("auditor", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	st, err := store.NewPostgresStore(cfg.DBDSN)
	if err != nil {
		logger.Error("failed to initialize store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()

	ledger := txengine.NewRPCLedger(txengine.NewRPCClient(cfg.Solana.RPCURL, cfg.Solana.RPCTimeout), txengine.RPCLedgerConfig{
		Commitment: cfg.Solana.Commitment,
	})
	svc := auditor.New(st, ledger, auditor.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("auditor exited with error", "err", err)
		os.Exit(1)
	}
}
