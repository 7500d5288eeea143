package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"solana-settlement/internal/config"
	"solana-settlement/internal/coordinator"
	"solana-settlement/internal/engine"
	"solana-settlement/internal/jupiter"
	"solana-settlement/internal/preflight"
	"solana-settlement/internal/scheduler"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/storage"
	chstore "solana-settlement/internal/storage/clickhouse"
	"solana-settlement/internal/storage/memory"
	"solana-settlement/internal/storage/migrations"
	pgstore "solana-settlement/internal/storage/postgres"
	"solana-settlement/internal/swap"
)

// application holds the wired components and the resources to release on exit.
type application struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	closers   []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*application, error) {
	app := &application{}
	wired := false
	defer func() {
		if !wired {
			app.close()
		}
	}()

	vault, err := solana.KeypairFromBase58(cfg.Wallets.VaultSecretKey)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	operator, err := solana.KeypairFromBase58(cfg.Wallets.OperatorSecretKey)
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}

	stores, err := openStores(ctx, cfg.Storage, logger, app)
	if err != nil {
		return nil, err
	}
	warnVolatileResume(cfg, logger)

	chain, err := openChain(ctx, cfg.Solana, logger, app)
	if err != nil {
		return nil, err
	}

	quotes := jupiter.NewClient(cfg.Jupiter.Endpoint,
		jupiter.WithTimeout(cfg.Jupiter.Timeout),
		jupiter.WithMaxRetries(cfg.Jupiter.MaxRetries),
		jupiter.WithAPIKey(cfg.Jupiter.APIKey),
	)

	validator := preflight.New(preflight.Options{
		Quotes: quotes,
		Chain:  chain,
		Config: preflightConfig(cfg),
		Logger: logger,
	})

	app.scheduler = scheduler.New(scheduler.Options{
		Store:  stores.Timers,
		Config: schedulerConfig(cfg.Scheduler),
		Logger: logger,
	})

	hub := engine.NewHub()
	coord := coordinator.New(coordinator.Options{
		Stores:    stores,
		Quotes:    quotes,
		Chain:     chain,
		Preflight: validator,
		Scheduler: app.scheduler,
		Vault:     vault,
		Operator:  operator,
		Swap:      swapConfig(cfg.Swap),
		Config:    coordinatorConfig(cfg.Engine),
		Logger:    logger,
		OnChange:  hub.Publish,
	})

	app.engine = engine.New(engine.Options{
		Stores:          stores,
		Coordinator:     coord,
		Scheduler:       app.scheduler,
		Chain:           chain,
		Hub:             hub,
		VaultAddress:    vault.Address(),
		RequirePayment:  cfg.Engine.RequirePayment,
		MinWalletBudget: cfg.Engine.MinWalletBudget(),
		Logger:          logger,
	})

	logger.WithFields(logrus.Fields{
		"vault":    vault.Address(),
		"operator": operator.Address(),
		"storage":  cfg.Storage.Driver,
	}).Info("Engine wired")
	wired = true
	return app, nil
}

// warnVolatileResume reports whether resume is enabled on a store that does not outlive the
// process. Sessions interrupted mid-phase then restart with no phase or ledger to resume from.
func warnVolatileResume(cfg *config.Config, logger logrus.FieldLogger) bool {
	if !cfg.Engine.Resume || cfg.Storage.Driver != "memory" {
		return false
	}
	logger.WithField("storage", cfg.Storage.Driver).
		Warn("engine.resume is enabled but the memory store loses session phase and ledger on restart; set storage.driver=postgres for production")
	return true
}

// openStores opens the primary store and, when configured, mirrors the ledger to ClickHouse.
func openStores(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger, app *application) (storage.Stores, error) {
	var stores storage.Stores

	switch cfg.Driver {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return stores, err
		}
		app.closers = append(app.closers, pool.Close)

		if cfg.Migrate {
			applied, err := migrations.RunPostgresMigrations(ctx, pool)
			if err != nil {
				return stores, fmt.Errorf("postgres migrations: %w", err)
			}
			logger.WithField("applied", len(applied)).Info("Postgres migrations applied")
		}
		stores = pgstore.NewStores(pool)
	default:
		stores = memory.NewStores()
	}

	if cfg.ClickHouseDSN == "" {
		return stores, nil
	}

	var (
		conn *chstore.Conn
		err  error
	)
	if cfg.Migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.ClickHouseDSN)
	}
	if err != nil {
		return stores, fmt.Errorf("clickhouse: %w", err)
	}
	app.closers = append(app.closers, func() { conn.Close() })

	stores.Ledger = storage.NewMirroredLedger(stores.Ledger, chstore.NewLedgerStore(conn), logger)
	return stores, nil
}

// openChain connects the RPC client and, when an endpoint is set, the signature websocket.
func openChain(ctx context.Context, cfg config.SolanaConfig, logger logrus.FieldLogger, app *application) (*solana.Chain, error) {
	rpc := solana.NewHTTPClient(cfg.RPCEndpoint,
		solana.WithTimeout(cfg.Timeout),
		solana.WithMaxRetries(cfg.MaxRetries),
		solana.WithCommitment(cfg.Commitment),
	)

	var opts []solana.ChainOption
	if cfg.WSEndpoint != "" {
		wsCfg := solana.DefaultWSConfig()
		wsCfg.Commitment = cfg.Commitment
		ws, err := solana.NewWSClient(ctx, cfg.WSEndpoint, &wsCfg)
		if err != nil {
			return nil, fmt.Errorf("connect solana websocket: %w", err)
		}
		app.closers = append(app.closers, func() { ws.Close() })
		opts = append(opts, solana.WithWSClient(ws))
	} else {
		logger.Warn("No websocket endpoint configured, confirmations fall back to polling")
	}
	return solana.NewChain(rpc, opts...), nil
}

func coordinatorConfig(cfg config.EngineConfig) coordinator.Config {
	return coordinator.Config{
		FailureThreshold:   cfg.FailureThreshold,
		WalletTradeTimeout: cfg.WalletTradeTimeout,
		Parallelism:        cfg.Parallelism,
		FeeReserve:         cfg.FeeReserve(),
		MaxRoundTrips:      cfg.MaxRoundTrips,
		SubmitInterval:     cfg.SubmitInterval,
	}
}

func swapConfig(cfg config.SwapConfig) swap.Config {
	sc := swap.DefaultConfig()
	sc.Timeout = cfg.Timeout
	sc.RollbackTimeout = cfg.RollbackTimeout
	sc.SlippageBps = cfg.SlippageBps
	sc.AutoReverse = cfg.AutoReverse
	return sc
}

func preflightConfig(cfg *config.Config) preflight.Config {
	return preflight.Config{
		MaxPriceImpact:  cfg.Preflight.PriceImpactCeiling(),
		MinLiquidityOut: cfg.Preflight.MinLiquidityLamports,
		FeeBuffer:       cfg.Preflight.FeeBuffer(),
		ProbeAmount:     cfg.Preflight.ProbeAmount,
		SlippageBps:     cfg.Swap.SlippageBps,
	}
}

func schedulerConfig(cfg config.SchedulerConfig) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.JitterMin = cfg.JitterMin
	sc.JitterMax = cfg.JitterMax
	sc.Spacing = cfg.Spacing
	sc.Workers = cfg.Workers
	return sc
}
