package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"liquiditySync/internal/chain"
	"liquiditySync/internal/config"
	"liquiditySync/internal/dex"
	"liquiditySync/internal/scraper"
	"liquiditySync/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "syncd",
		Short:        "AMM pool state snapshot and sync service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Scrape fresh snapshots for the whole pool universe",
		RunE:  runBootstrap,
	}

	bootstrapCmd.Flags().String("rpc", "", "execution RPC URL")
	bootstrapCmd.Flags().Uint64("chain-id", 0, "chain id")
	bootstrapCmd.Flags().String("database-url", "", "Postgres DSN")
	bootstrapCmd.Flags().String("table-prefix", "network", "table name prefix")
	bootstrapCmd.Flags().String("universe", "./data/universe.json", "pool universe JSON path")
	bootstrapCmd.Flags().Duration("block-interval", 12*time.Second, "expected block time")
	bootstrapCmd.Flags().Float64("safety-margin", 0.8, "fraction of the block interval a batch may spend")
	bootstrapCmd.Flags().String("scrape-rates", "v2=22,v3=3.2,v4=2.1", "pools per second per protocol (comma-separated key=value)")
	bootstrapCmd.Flags().Int("scrape-concurrency", 8, "parallel pool reads within a batch")
	bootstrapCmd.Flags().Duration("wait-timeout", 15*time.Second, "max wait for the next reference block")
	bootstrapCmd.Flags().Duration("poll-interval", 500*time.Millisecond, "head poll interval")
	bootstrapCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	bootstrapCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	bootstrapCmd.Flags().String("state-view", "", "V4 state view contract address")
	bootstrapCmd.Flags().Int("call-batch-size", 128, "eth_calls per batch round trip")
	bootstrapCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(bootstrapCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync service (event feed, replay engine, query API)",
		RunE:  runService,
	}

	runCmd.Flags().String("rpc", "", "execution RPC URL, enables rescraping when set")
	runCmd.Flags().Uint64("chain-id", 0, "chain id")
	runCmd.Flags().String("database-url", "", "Postgres DSN")
	runCmd.Flags().String("table-prefix", "network", "table name prefix")
	runCmd.Flags().String("universe", "./data/universe.json", "pool universe JSON path")
	runCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	runCmd.Flags().String("feed-durable", "liquidity-sync", "durable consumer name")
	runCmd.Flags().Duration("feed-max-age", 72*time.Hour, "event stream retention age")
	runCmd.Flags().Duration("ack-wait", 30*time.Second, "redelivery timeout for unacked messages")
	runCmd.Flags().Int("max-deliver", 5, "max delivery attempts per message")
	runCmd.Flags().Int("compact-threshold", 500, "events applied in one sync before compaction")
	runCmd.Flags().Int("replay-workers", 8, "parallel pool syncs")
	runCmd.Flags().String("sync-spec", "*/30 * * * * *", "cron spec (with seconds) for periodic syncs")
	runCmd.Flags().String("http-addr", ":8080", "query API listen address")
	runCmd.Flags().Duration("stale-after", time.Hour, "snapshot age that marks a pool stale on /healthz")
	runCmd.Flags().String("state-view", "", "V4 state view contract address")
	runCmd.Flags().Int("call-batch-size", 128, "eth_calls per batch round trip")
	runCmd.Flags().Int("scrape-concurrency", 8, "parallel pool reads within a batch")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	syncCmd := &cobra.Command{
		Use:   "sync [pool]",
		Short: "Replay the stored ledger onto snapshots once and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSync,
	}

	syncCmd.Flags().Uint64("chain-id", 0, "chain id")
	syncCmd.Flags().String("database-url", "", "Postgres DSN")
	syncCmd.Flags().String("table-prefix", "network", "table name prefix")
	syncCmd.Flags().String("universe", "./data/universe.json", "pool universe JSON path")
	syncCmd.Flags().Int("compact-threshold", 500, "events applied in one sync before compaction")
	syncCmd.Flags().Int("replay-workers", 8, "parallel pool syncs")
	syncCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(syncCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print snapshot and ledger statistics as JSON",
		RunE:  runStats,
	}

	statsCmd.Flags().Uint64("chain-id", 0, "chain id")
	statsCmd.Flags().String("database-url", "", "Postgres DSN")
	statsCmd.Flags().String("table-prefix", "network", "table name prefix")
	statsCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(statsCmd)

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a block envelope file to the event stream",
		RunE:  runPublish,
	}

	publishCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	publishCmd.Flags().Duration("feed-max-age", 72*time.Hour, "event stream retention age")
	publishCmd.Flags().String("in", "", "input envelope JSON path")
	publishCmd.Flags().String("rpc", "", "execution RPC URL, backfills event timestamps when set")
	publishCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(publishCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBootstrap(cmd *cobra.Command, _ []string) error {
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

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}

	rates, err := cfg.ProtocolRates()
	if err != nil {
		return err
	}

	pools, err := scraper.LoadUniverse(cfg.Universe)
	if err != nil {
		return err
	}

	stateView, err := parseStateView(cfg.StateView)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	// Snapshot tables are named per chain, so a wrong endpoint would fill
	// another chain's tables with this chain's state.
	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != cfg.ChainID {
		return fmt.Errorf("rpc reports chain id %s, configured %d", chainID, cfg.ChainID)
	}

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	snapshots, err := postgres.NewSnapshotStore(db, postgres.TableConfig{
		ChainID:     cfg.ChainID,
		TablePrefix: cfg.TablePrefix,
	})
	if err != nil {
		return err
	}
	if err := snapshots.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	reader := dex.NewStateReader(chainClient, dex.ReaderConfig{
		StateView: stateView,
		BatchSize: cfg.CallBatchSize,
	}, logger)

	for _, pool := range pools {
		if err := reader.FillPoolMeta(ctx, pool); err != nil {
			return fmt.Errorf("pool %s metadata: %w", pool.ID, err)
		}
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
	defer batch.Close()

	logger.Info("bootstrap start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Int("pools", len(pools)),
		zap.Duration("block_interval", cfg.BlockInterval),
		zap.Float64("safety_margin", cfg.SafetyMargin),
		zap.Int("concurrency", cfg.ScrapeConcurrency),
	)

	results, err := batch.Run(ctx, pools)
	if err != nil {
		return err
	}

	var scraped, failed int
	for _, result := range results {
		scraped += len(result.Scraped)
		failed += len(result.Failed)
	}
	logger.Info("bootstrap complete",
		zap.Int("batches", len(results)),
		zap.Int("scraped", scraped),
		zap.Int("failed", failed),
	)
	if scraped == 0 && failed > 0 {
		return fmt.Errorf("all %d pools failed to scrape", failed)
	}
	return nil
}

// parseStateView accepts an empty address; reads of V4 pools fail later
// without one.
func parseStateView(raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("state view %q is not an address", raw)
	}
	return common.HexToAddress(raw), nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
