package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquiditySync/internal/config"
	"liquiditySync/internal/model"
	"liquiditySync/internal/replay"
	"liquiditySync/internal/scraper"
	"liquiditySync/internal/storage/postgres"
)

func runSync(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}

	pools, err := scraper.LoadUniverse(cfg.Universe)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	tables := postgres.TableConfig{ChainID: cfg.ChainID, TablePrefix: cfg.TablePrefix}

	snapshots, err := postgres.NewSnapshotStore(db, tables)
	if err != nil {
		return err
	}
	ledger, err := postgres.NewEventLedger(db, tables)
	if err != nil {
		return err
	}

	engine := replay.NewEngine(replay.EngineConfig{
		CompactThreshold: cfg.CompactThreshold,
		Workers:          cfg.ReplayWorkers,
	}, snapshots, ledger, logger)
	defer engine.Close()

	if err := engine.RegisterAll(pools); err != nil {
		return err
	}

	var results []replay.SyncResult
	if len(args) == 1 {
		id, err := model.ParsePoolID(args[0])
		if err != nil {
			return err
		}
		result, err := engine.Sync(ctx, id)
		if err != nil {
			result.Err = err
		}
		results = append(results, result)
	} else {
		results = engine.SyncAll(ctx)
	}

	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			logger.Error("pool sync failed",
				zap.String("pool", string(res.Pool)),
				zap.Error(res.Err))
			continue
		}
		logger.Info("pool synced",
			zap.String("pool", string(res.Pool)),
			zap.String("phase", res.Phase.String()),
			zap.Uint64("from", res.FromBlock),
			zap.Uint64("to", res.ToBlock),
			zap.Int("applied", res.Applied),
			zap.Int("duplicates", res.Duplicates),
			zap.Bool("compacted", res.Compacted),
		)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pools failed to sync", failed, len(results))
	}
	return nil
}
