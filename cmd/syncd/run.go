package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquiditySync/internal/chain"
	"liquiditySync/internal/config"
	"liquiditySync/internal/dex"
	"liquiditySync/internal/feed"
	"liquiditySync/internal/model"
	"liquiditySync/internal/query"
	"liquiditySync/internal/replay"
	"liquiditySync/internal/scraper"
	"liquiditySync/internal/storage/postgres"
)

func runService(cmd *cobra.Command, _ []string) error {
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
	if err := snapshots.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure snapshot schema: %w", err)
	}

	ledger, err := postgres.NewEventLedger(db, tables)
	if err != nil {
		return err
	}
	if err := ledger.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}

	engine := replay.NewEngine(replay.EngineConfig{
		CompactThreshold: cfg.CompactThreshold,
		Workers:          cfg.ReplayWorkers,
	}, snapshots, ledger, logger)
	defer engine.Close()

	if err := engine.RegisterAll(pools); err != nil {
		return err
	}

	rescrape, closeRescrape, err := newRescraper(ctx, cfg, pools, snapshots, logger)
	if err != nil {
		return err
	}
	if closeRescrape != nil {
		defer closeRescrape()
	}

	nc, js, err := feed.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	if err := feed.EnsureStream(ctx, js, cfg.FeedMaxAge); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	consumer, err := feed.NewConsumer(feed.ConsumerConfig{
		ChainID:    cfg.ChainID,
		Durable:    cfg.FeedDurable,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	}, ledger, engine, logger)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx, js); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumer.Stop()

	scheduler := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err = scheduler.AddFunc(cfg.SyncSpec, func() {
		// keep each run bounded
		tickCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		syncTick(tickCtx, engine, rescrape, logger)
	})
	if err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	server := query.NewServer(query.Config{StaleAfter: cfg.StaleAfter}, engine, snapshots, ledger, logger)

	logger.Info("syncd start",
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Int("pools", len(pools)),
		zap.String("nats", redactDSN(cfg.NATSURL)),
		zap.String("http", cfg.HTTPAddr),
		zap.String("sync_spec", cfg.SyncSpec),
		zap.Bool("rescrape", rescrape != nil),
	)

	return server.Run(ctx, cfg.HTTPAddr)
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}

// syncTick replays the stored ledger onto every registered pool, then hands
// pools still bootstrapping to the rescraper when one is configured.
func syncTick(ctx context.Context, engine *replay.Engine, rescrape rescrapeFunc, logger *zap.Logger) {
	results := engine.SyncAll(ctx)

	var synced, failed int
	var stuck []model.PoolID
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			logger.Warn("pool sync failed",
				zap.String("pool", string(res.Pool)),
				zap.Error(res.Err))
		case res.Phase == replay.PhaseSynchronized:
			synced++
		default:
			stuck = append(stuck, res.Pool)
		}
	}

	logger.Info("sync tick",
		zap.Int("synchronized", synced),
		zap.Int("bootstrapping", len(stuck)),
		zap.Int("failed", failed),
		zap.Uint64("feed_head", engine.FeedHead()),
	)

	if rescrape == nil || len(stuck) == 0 {
		return
	}
	if err := rescrape(ctx, stuck); err != nil {
		logger.Warn("rescrape failed", zap.Error(err))
	}
}

// rescrapeFunc re-reads the named pools on chain and stores fresh snapshots.
type rescrapeFunc func(ctx context.Context, ids []model.PoolID) error

// newRescraper wires the on-chain scrape path when an RPC URL is configured.
// Without one the service runs replay-only and pools that lose their snapshot
// stay bootstrapping until a bootstrap run replaces it.
func newRescraper(ctx context.Context, cfg config.Config, pools []*model.Pool, snapshots *postgres.SnapshotStore, logger *zap.Logger) (rescrapeFunc, func(), error) {
	if cfg.RPCURL == "" {
		logger.Info("no rpc configured, running replay only")
		return nil, nil, nil
	}

	rates, err := cfg.ProtocolRates()
	if err != nil {
		return nil, nil, err
	}
	stateView, err := parseStateView(cfg.StateView)
	if err != nil {
		return nil, nil, err
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rpc: %w", err)
	}
	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		chainClient.Close()
		return nil, nil, fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != cfg.ChainID {
		chainClient.Close()
		return nil, nil, fmt.Errorf("rpc reports chain id %s, configured %d", chainID, cfg.ChainID)
	}

	reader := dex.NewStateReader(chainClient, dex.ReaderConfig{
		StateView: stateView,
		BatchSize: cfg.CallBatchSize,
	}, logger)

	byID := make(map[model.PoolID]*model.Pool, len(pools))
	for _, pool := range pools {
		if err := reader.FillPoolMeta(ctx, pool); err != nil {
			chainClient.Close()
			return nil, nil, fmt.Errorf("pool %s metadata: %w", pool.ID, err)
		}
		byID[pool.ID] = pool
	}

	batch := scraper.NewBatchScraper(scraper.ScraperConfig{
		BlockInterval: cfg.BlockInterval,
		SafetyMargin:  cfg.SafetyMargin,
		Rates:         rates,
		Concurrency:   cfg.ScrapeConcurrency,
		WaitTimeout:   cfg.WaitTimeout,
		PollInterval:  cfg.PollInterval,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, chainClient, reader, snapshots, logger)

	run := func(ctx context.Context, ids []model.PoolID) error {
		selected := make([]*model.Pool, 0, len(ids))
		for _, id := range ids {
			if pool, ok := byID[id]; ok {
				selected = append(selected, pool)
			}
		}
		if len(selected) == 0 {
			return nil
		}
		logger.Info("rescraping pools", zap.Int("count", len(selected)))
		_, err := batch.Run(ctx, selected)
		return err
	}
	closer := func() {
		batch.Close()
		chainClient.Close()
	}
	return run, closer, nil
}
