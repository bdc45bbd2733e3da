package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
	"liquiditySync/internal/tickmap"
)

// Reader reads one pool's complete state pinned at a block.
type Reader interface {
	ReadPoolState(ctx context.Context, pool *model.Pool, block uint64) (*model.RawPoolState, error)
}

// HeadSource tracks the chain head.
type HeadSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	WaitForBlock(ctx context.Context, target uint64, poll time.Duration) (uint64, bool, error)
}

// ScraperConfig holds runtime settings for the batch scraper.
type ScraperConfig struct {
	BlockInterval time.Duration
	SafetyMargin  float64
	Rates         map[model.Protocol]float64
	Concurrency   int           // parallel pool reads within a batch
	WaitTimeout   time.Duration // max wait for the next reference block
	PollInterval  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// PoolError records one pool's failure inside an otherwise successful batch.
type PoolError struct {
	Pool model.PoolID
	Err  error
}

func (e PoolError) Error() string { return fmt.Sprintf("pool %s: %v", e.Pool, e.Err) }

func (e PoolError) Unwrap() error { return e.Err }

// BatchResult summarizes one executed batch: the height the batch was pinned
// to, the pools read successfully, and the per-pool failures.
type BatchResult struct {
	Protocol       model.Protocol
	ReferenceBlock uint64
	Scraped        []model.PoolID
	Failed         []PoolError
	Elapsed        time.Duration
}

// BatchScraper reads pool state in planned batches and stores fresh
// snapshots. One pool failing never fails its batch.
type BatchScraper struct {
	cfg       ScraperConfig
	head      HeadSource
	reader    Reader
	snapshots storage.SnapshotStore
	workers   pond.Pool
	logger    *zap.Logger
}

// NewBatchScraper builds a BatchScraper with its dependencies.
func NewBatchScraper(cfg ScraperConfig, head HeadSource, reader Reader, snapshots storage.SnapshotStore, logger *zap.Logger) *BatchScraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchScraper{
		cfg:       cfg,
		head:      head,
		reader:    reader,
		snapshots: snapshots,
		workers:   pond.NewPool(concurrency),
		logger:    logger,
	}
}

// Close stops the worker pool and waits for in-flight reads.
func (s *BatchScraper) Close() {
	s.workers.StopAndWait()
}

// Run plans one full sweep over pools and executes it batch by batch,
// returning every batch's result in issuance order. Before each batch after
// the first it waits for the block following the previous reference so every
// batch reads a fresh height; when the block does not arrive inside
// WaitTimeout the sweep proceeds behind and logs the lag.
func (s *BatchScraper) Run(ctx context.Context, pools []*model.Pool) ([]BatchResult, error) {
	if s.head == nil {
		return nil, fmt.Errorf("head source is nil")
	}
	if s.reader == nil {
		return nil, fmt.Errorf("reader is nil")
	}
	if s.snapshots == nil {
		return nil, fmt.Errorf("snapshot store is nil")
	}

	plans, err := PlanBatches(pools, PlannerConfig{
		BlockInterval: s.cfg.BlockInterval,
		SafetyMargin:  s.cfg.SafetyMargin,
		Rates:         s.cfg.Rates,
	})
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(plans))
	var lastReference uint64
	for i, plan := range plans {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if lastReference > 0 {
			if err := s.waitForNextBlock(ctx, lastReference+1); err != nil {
				return results, err
			}
		}

		result, err := s.ExecuteBatch(ctx, plan)
		if err != nil {
			return results, fmt.Errorf("batch %d of %d: %w", i+1, len(plans), err)
		}
		results = append(results, result)
		lastReference = result.ReferenceBlock

		s.logger.Info("batch complete",
			zap.String("protocol", plan.Protocol.String()),
			zap.Uint64("reference_block", result.ReferenceBlock),
			zap.Int("scraped", len(result.Scraped)),
			zap.Int("failed", len(result.Failed)),
			zap.Duration("elapsed", result.Elapsed))
	}
	return results, nil
}

// ExecuteBatch captures the reference block, then reads every pool in the
// plan pinned to it and stores the resulting snapshots.
func (s *BatchScraper) ExecuteBatch(ctx context.Context, plan BatchPlan) (BatchResult, error) {
	start := time.Now()
	result := BatchResult{Protocol: plan.Protocol}

	// The reference block is fixed before any read so the whole batch is
	// consistent at one height, even when the head advances mid-batch.
	var referenceBlock uint64
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		referenceBlock, err = s.head.LatestBlockNumber(ctx)
		if err != nil {
			s.logger.Warn("latest block fetch failed",
				zap.String("protocol", plan.Protocol.String()),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return result, fmt.Errorf("get reference block: %w", err)
	}
	result.ReferenceBlock = referenceBlock

	var mu sync.Mutex
	group := s.workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, pool := range plan.Pools {
		group.Submit(func() {
			err := groupCtx.Err()
			if err == nil {
				err = s.scrapePool(groupCtx, pool, referenceBlock)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, PoolError{Pool: pool.ID, Err: err})
				return
			}
			result.Scraped = append(result.Scraped, pool.ID)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return result, err
	}

	for _, failure := range result.Failed {
		s.logger.Warn("pool scrape failed",
			zap.String("pool", string(failure.Pool)),
			zap.Uint64("reference_block", referenceBlock),
			zap.Error(failure.Err))
	}

	result.Elapsed = time.Since(start)
	return result, ctx.Err()
}

func (s *BatchScraper) scrapePool(ctx context.Context, pool *model.Pool, referenceBlock uint64) error {
	var raw *model.RawPoolState
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		raw, err = s.reader.ReadPoolState(ctx, pool, referenceBlock)
		if err != nil {
			s.logger.Warn("pool read failed",
				zap.String("pool", string(pool.ID)),
				zap.Uint64("reference_block", referenceBlock),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	snap, err := tickmap.BuildSnapshot(*pool, raw, referenceBlock)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	if err := s.snapshots.Put(ctx, snap); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (s *BatchScraper) waitForNextBlock(ctx context.Context, target uint64) error {
	timeout := s.cfg.WaitTimeout
	if timeout <= 0 {
		timeout = s.cfg.BlockInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	head, reached, err := s.head.WaitForBlock(waitCtx, target, s.cfg.PollInterval)
	if reached {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		// Transient head poll failure: scrape against the stale head rather
		// than stalling the sweep.
		s.logger.Warn("head poll failed", zap.Uint64("target", target), zap.Error(err))
		return nil
	}

	s.logger.Warn("proceeding behind target block",
		zap.Uint64("target", target),
		zap.Uint64("head", head),
		zap.Uint64("lag_blocks", target-head))
	return nil
}
