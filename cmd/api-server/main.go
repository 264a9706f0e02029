package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/basket/backend/internal/apiserver"
	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/coldbell/basket/backend/internal/basketsvc"
	"github.com/coldbell/basket/backend/internal/config"
	"github.com/coldbell/basket/backend/internal/funds"
	"github.com/coldbell/basket/backend/internal/logging"
	"github.com/coldbell/basket/backend/internal/orchestrator"
	"github.com/coldbell/basket/backend/internal/reconcile"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/coldbell/basket/backend/internal/venue"
	"github.com/coldbell/basket/backend/internal/walletlock"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAPIServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("api-server", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	var st store.Store
	pg, err := store.NewPostgresStore(cfg.DBDSN)
	if err != nil {
		logger.Error("failed to initialize store", "err", err)
		os.Exit(1)
	}
	st = pg

	var locks walletlock.Locker = walletlock.NewMemoryLocker()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		st = store.NewCachedStore(pg, rdb, cfg.BasketCacheTTL)
		locks = walletlock.NewRedisLocker(rdb, cfg.WalletLockTTL)
		logger.Info("redis enabled", "basket_cache_ttl", cfg.BasketCacheTTL, "wallet_lock_ttl", cfg.WalletLockTTL)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()

	ledger := txengine.NewRPCLedger(txengine.NewRPCClient(cfg.Solana.RPCURL, cfg.Solana.RPCTimeout), txengine.RPCLedgerConfig{
		Commitment:     cfg.Solana.Commitment,
		SkipPreflight:  cfg.Solana.SkipPreflight,
		SendMaxRetries: cfg.Solana.SendMaxRetries,
		PollInterval:   cfg.Solana.ConfirmPollInterval,
	})
	engine := txengine.NewEngine(ledger, txengine.NewKeyringSigner(cfg.Solana.KeyringDir), txengine.Config{
		MaxRetries:                    cfg.Solana.SubmitMaxRetries,
		ConfirmTimeout:                cfg.Solana.ConfirmTimeout,
		ComputeUnitLimit:              cfg.Solana.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.Solana.ComputeUnitPriceMicroLamports,
	}, logger)

	httpClient := &http.Client{Timeout: cfg.Venue.QuoteTimeout}
	quotes := venue.NewClient(cfg.Venue.QuoteTimeout, logger,
		venue.NewJupiterProvider(cfg.Venue.JupiterBaseURL, httpClient, cfg.Venue.RequestsPerSecond),
		venue.NewRaydiumProvider(cfg.Venue.RaydiumBaseURL, httpClient, cfg.Venue.RequestsPerSecond, cfg.Solana.ComputeUnitPriceMicroLamports),
	)

	hub := apiserver.NewHub(logger)
	orch := orchestrator.New(quotes, engine, ledger, orchestrator.Config{
		Fee:                 &basket.FeeBps{ShareA: cfg.Fee.ShareABps, ShareB: cfg.Fee.ShareBBps},
		SlippageBps:         cfg.Venue.SlippageBps,
		PrefetchConcurrency: cfg.Venue.PrefetchConcurrency,
		Treasury:            cfg.Solana.TreasuryWallet,
		ETFProgramID:        cfg.Solana.ETFProgramID,
		Mainnet:             cfg.Solana.IsMainnet(),
		Substitutes:         cfg.Venue.DevnetSubstitutes,
	}, hub, logger)

	baskets := basketsvc.New(
		st,
		orch,
		reconcile.NewWriter(st, logger),
		funds.NewService(st, ledger, engine, funds.Config{}, logger),
		locks,
		logger,
	)
	svc := apiserver.New(cfg, baskets, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("basket backend ready",
		"network", cfg.Solana.Network,
		"treasury", cfg.Solana.TreasuryWallet,
		"etf_program", cfg.Solana.ETFProgramID,
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("api-server exited with error", "err", err)
		os.Exit(1)
	}
}
