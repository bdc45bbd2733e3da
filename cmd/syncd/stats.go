package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquiditySync/internal/chain"
	"liquiditySync/internal/config"
	"liquiditySync/internal/feed"
	"liquiditySync/internal/storage"
	"liquiditySync/internal/storage/postgres"
)

func runStats(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	if cfg.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
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

	snapshotStats, err := snapshots.Stats(ctx)
	if err != nil {
		return fmt.Errorf("snapshot stats: %w", err)
	}
	ledgerStats, err := ledger.Stats(ctx)
	if err != nil {
		return fmt.Errorf("ledger stats: %w", err)
	}

	out := struct {
		Snapshots storage.SnapshotStats `json:"snapshots"`
		Ledger    storage.LedgerStats   `json:"ledger"`
	}{snapshotStats, ledgerStats}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runPublish(cmd *cobra.Command, _ []string) error {
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

	in, _ := cmd.Flags().GetString("in")
	if in == "" {
		return fmt.Errorf("input path is required")
	}

	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open envelopes: %w", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Decoder output often lacks block timestamps; with an RPC endpoint the
	// publisher backfills them from headers before the envelope goes out.
	var stamper *chain.Client
	if cfg.RPCURL != "" {
		stamper, err = chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer stamper.Close()
	}

	nc, js, err := feed.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	if err := feed.EnsureStream(ctx, js, cfg.FeedMaxAge); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	publisher := feed.NewPublisher(js)

	dec := json.NewDecoder(f)
	var published int
	for {
		var env feed.BlockEnvelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("parse envelope %d: %w", published+1, err)
		}
		if err := env.Validate(); err != nil {
			return fmt.Errorf("envelope %d: %w", published+1, err)
		}
		if stamper != nil {
			if err := stampEnvelope(ctx, stamper, &env); err != nil {
				return fmt.Errorf("stamp block %d: %w", env.Block, err)
			}
		}
		if err := publisher.Publish(ctx, &env); err != nil {
			return fmt.Errorf("publish block %d: %w", env.Block, err)
		}
		published++
	}

	logger.Info("envelopes published",
		zap.Int("count", published),
		zap.String("in", in),
	)
	return nil
}

// stampEnvelope fills in missing event timestamps from the block header. The
// client caches headers, so an envelope costs at most one fetch.
func stampEnvelope(ctx context.Context, client *chain.Client, env *feed.BlockEnvelope) error {
	for _, ev := range env.Events {
		if ev.Timestamp != 0 {
			continue
		}
		ts, err := client.BlockTimestamp(ctx, env.Block)
		if err != nil {
			return err
		}
		ev.Timestamp = ts
	}
	return nil
}
