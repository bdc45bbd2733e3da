// Package replay reconstructs pool state by loading the latest snapshot and
// applying the event ledger's tail in order. Each pool moves through a small
// state machine: Bootstrapping until a snapshot exists and its events replay
// cleanly, Synchronized afterwards. Replay is serialized per pool and
// parallel across pools.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
	"liquiditySync/internal/tickmap"
)

// Phase is a pool's synchronization state.
type Phase uint8

const (
	// PhaseBootstrapping means the pool has no usable state yet: no snapshot
	// was stored, or the last one was invalidated.
	PhaseBootstrapping Phase = iota
	// PhaseSynchronized means the pool's state incorporates every ledger
	// event known at the last sync.
	PhaseSynchronized
)

var phaseNames = map[Phase]string{
	PhaseBootstrapping: "bootstrapping",
	PhaseSynchronized:  "synchronized",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var (
	// ErrUnknownPool is returned for pool ids that were never registered.
	ErrUnknownPool = errors.New("pool is not registered")
	// ErrNotSynchronized is returned by the query path while a pool has no
	// replayed state to serve.
	ErrNotSynchronized = errors.New("pool is not synchronized")
)

// EngineConfig tunes the replay engine.
type EngineConfig struct {
	// CompactThreshold is the number of applied events per sync above which
	// a fresh snapshot is written and the pool's replayed events are pruned.
	// Zero or negative disables compaction.
	CompactThreshold int

	// Workers bounds how many pools sync concurrently in SyncAll.
	Workers int
}

// SyncResult reports one pool's sync cycle.
type SyncResult struct {
	Pool       model.PoolID
	Phase      Phase
	FromBlock  uint64
	ToBlock    uint64
	Applied    int
	Duplicates int
	Compacted  bool
	Pruned     int64
	Err        error
}

type poolEntry struct {
	mu    sync.Mutex
	pool  model.Pool
	phase Phase
	state *tickmap.State
	// syncedHead is the feed head observed when the last successful sync
	// started. Queries only trigger a re-sync once the head moves past it.
	syncedHead uint64
}

// Engine owns the per-pool replay state machines.
type Engine struct {
	cfg       EngineConfig
	snapshots storage.SnapshotStore
	ledger    storage.EventLedger
	pools     *xsync.Map[model.PoolID, *poolEntry]
	workers   pond.Pool
	feedHead  atomic.Uint64
	logger    *zap.Logger
}

// NewEngine wires the engine to its stores. A nil logger disables logging.
func NewEngine(cfg EngineConfig, snapshots storage.SnapshotStore, ledger storage.EventLedger, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		cfg:       cfg,
		snapshots: snapshots,
		ledger:    ledger,
		pools:     xsync.NewMap[model.PoolID, *poolEntry](),
		workers:   pond.NewPool(workers),
		logger:    logger,
	}
}

// Close stops the worker pool after in-flight syncs finish.
func (e *Engine) Close() {
	e.workers.StopAndWait()
}

// Register adds a pool to the engine in the Bootstrapping phase. Registering
// an already known pool is a no-op.
func (e *Engine) Register(pool model.Pool) error {
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("register pool: %w", err)
	}
	e.pools.LoadOrStore(pool.ID, &poolEntry{pool: pool, phase: PhaseBootstrapping})
	return nil
}

// RegisterAll registers every pool, stopping at the first invalid one.
func (e *Engine) RegisterAll(pools []*model.Pool) error {
	for _, pool := range pools {
		if pool == nil {
			return errors.New("register pool: nil pool")
		}
		if err := e.Register(*pool); err != nil {
			return err
		}
	}
	return nil
}

// Registered returns the registered pool ids in ascending order.
func (e *Engine) Registered() []model.PoolID {
	ids := make([]model.PoolID, 0, e.pools.Size())
	e.pools.Range(func(id model.PoolID, _ *poolEntry) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsRegistered reports whether the pool id is known to the engine.
func (e *Engine) IsRegistered(id model.PoolID) bool {
	_, ok := e.pools.Load(id)
	return ok
}

// SetFeedHead records the live feed's position. The head only advances.
func (e *Engine) SetFeedHead(block uint64) {
	for {
		head := e.feedHead.Load()
		if block <= head || e.feedHead.CompareAndSwap(head, block) {
			return
		}
	}
}

// FeedHead returns the last recorded live feed position.
func (e *Engine) FeedHead() uint64 {
	return e.feedHead.Load()
}

// Phase returns the pool's current phase.
func (e *Engine) Phase(id model.PoolID) (Phase, bool) {
	entry, ok := e.pools.Load(id)
	if !ok {
		return PhaseBootstrapping, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.phase, true
}

// Phases returns the phase of every registered pool.
func (e *Engine) Phases() map[model.PoolID]Phase {
	phases := make(map[model.PoolID]Phase, e.pools.Size())
	e.pools.Range(func(id model.PoolID, entry *poolEntry) bool {
		entry.mu.Lock()
		phases[id] = entry.phase
		entry.mu.Unlock()
		return true
	})
	return phases
}

// Sync replays the pool from its stored snapshot through the ledger's tail.
// A pool without a snapshot stays Bootstrapping without error; the next
// scrape cycle provides one.
func (e *Engine) Sync(ctx context.Context, id model.PoolID) (SyncResult, error) {
	entry, ok := e.pools.Load(id)
	if !ok {
		return SyncResult{Pool: id}, fmt.Errorf("sync %s: %w", id, ErrUnknownPool)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return e.syncLocked(ctx, entry)
}

// SyncAll syncs every registered pool on the worker pool. Per-pool failures
// land in the corresponding result's Err; they never abort other pools.
func (e *Engine) SyncAll(ctx context.Context) []SyncResult {
	ids := e.Registered()
	results := make([]SyncResult, len(ids))

	group := e.workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, id := range ids {
		group.Submit(func() {
			result, err := e.Sync(groupCtx, id)
			if err != nil {
				result.Err = err
				e.logger.Warn("pool sync failed",
					zap.String("pool", string(id)),
					zap.Error(err))
			}
			results[i] = result
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("sync group wait", zap.Error(err))
	}
	return results
}

// HandleRevert invalidates a pool after a chain reorg: its snapshot is
// discarded, its events from fromBlock on are deleted, and the pool restarts
// in Bootstrapping. Inverse application is deliberately not attempted.
func (e *Engine) HandleRevert(ctx context.Context, id model.PoolID, fromBlock uint64) error {
	entry, ok := e.pools.Load(id)
	if !ok {
		return fmt.Errorf("revert %s: %w", id, ErrUnknownPool)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return e.revertLocked(ctx, entry, fromBlock)
}

// CurrentState serves the pool's merged state. A pool whose in-memory state
// is missing or behind the feed head is synced on demand first.
func (e *Engine) CurrentState(ctx context.Context, id model.PoolID) (*model.PoolStateView, error) {
	entry, ok := e.pools.Load(id)
	if !ok {
		return nil, fmt.Errorf("state of %s: %w", id, ErrUnknownPool)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == nil || e.feedHead.Load() > entry.syncedHead {
		if _, err := e.syncLocked(ctx, entry); err != nil {
			return nil, err
		}
	}
	if entry.state == nil {
		return nil, fmt.Errorf("state of %s: %w", id, ErrNotSynchronized)
	}

	view := entry.state.View()
	if head := e.feedHead.Load(); head > view.AsOfBlock {
		view.LagBlocks = head - view.AsOfBlock
	}
	return view, nil
}

func (e *Engine) syncLocked(ctx context.Context, entry *poolEntry) (SyncResult, error) {
	result := SyncResult{Pool: entry.pool.ID, Phase: entry.phase}
	headAtStart := e.feedHead.Load()

	snap, ok, err := e.snapshots.Get(ctx, entry.pool.ID)
	if err != nil {
		return result, fmt.Errorf("load snapshot for %s: %w", entry.pool.ID, err)
	}
	if !ok {
		entry.state = nil
		entry.phase = PhaseBootstrapping
		result.Phase = PhaseBootstrapping
		return result, nil
	}

	state, err := tickmap.FromSnapshot(snap)
	if err != nil {
		return result, fmt.Errorf("restore state of %s: %w", entry.pool.ID, err)
	}
	result.FromBlock = snap.ReferenceBlock

	var revertAt *uint64
	applyErr := e.ledger.EventsSince(ctx, entry.pool.ID, snap.ReferenceBlock, func(ev *model.LiquidityEvent) error {
		err := state.Apply(ev)
		switch {
		case err == nil:
			result.Applied++
			return nil
		case errors.Is(err, tickmap.ErrStaleEvent):
			// Redelivery of an already applied event is harmless; the same
			// key with a different payload means the ledger is corrupt.
			stored, found, getErr := e.ledger.Get(ctx, entry.pool.ID, ev.EventKey)
			if getErr != nil {
				return fmt.Errorf("stale event lookup: %w", getErr)
			}
			if found && stored.Equal(ev) {
				result.Duplicates++
				return nil
			}
			return fmt.Errorf("ledger corruption at %s: %w", ev.EventKey, err)
		case errors.Is(err, tickmap.ErrRevertedEvent):
			block := ev.Block
			revertAt = &block
			return err
		default:
			return err
		}
	})

	if revertAt != nil {
		if err := e.revertLocked(ctx, entry, *revertAt); err != nil {
			return result, err
		}
		result.Phase = entry.phase
		return result, fmt.Errorf("replay %s: reverted event at block %d invalidated the pool", entry.pool.ID, *revertAt)
	}
	if applyErr != nil {
		var invariant *tickmap.InvariantError
		if errors.As(applyErr, &invariant) {
			// The stored snapshot produced an impossible state, so it cannot
			// be trusted either. Nothing derived from it is persisted.
			if _, delErr := e.snapshots.Delete(ctx, entry.pool.ID); delErr != nil {
				e.logger.Warn("discard snapshot after invariant violation",
					zap.String("pool", string(entry.pool.ID)),
					zap.Error(delErr))
			}
			entry.state = nil
			entry.phase = PhaseBootstrapping
			result.Phase = PhaseBootstrapping
		}
		return result, fmt.Errorf("replay %s: %w", entry.pool.ID, applyErr)
	}

	entry.state = state
	entry.phase = PhaseSynchronized
	entry.syncedHead = headAtStart
	result.Phase = PhaseSynchronized
	result.ToBlock = state.LastBlock

	if e.cfg.CompactThreshold > 0 && result.Applied >= e.cfg.CompactThreshold {
		fresh := state.Materialize(entry.pool)
		if err := e.snapshots.Put(ctx, fresh); err != nil {
			return result, fmt.Errorf("compact %s: %w", entry.pool.ID, err)
		}
		pruned, err := e.ledger.PruneBefore(ctx, entry.pool.ID, fresh.ReferenceBlock)
		if err != nil {
			return result, fmt.Errorf("prune %s after compaction: %w", entry.pool.ID, err)
		}
		result.Compacted = true
		result.Pruned = pruned
		e.logger.Info("compacted pool",
			zap.String("pool", string(entry.pool.ID)),
			zap.Uint64("reference_block", fresh.ReferenceBlock),
			zap.Int("applied", result.Applied),
			zap.Int64("pruned", pruned))
	}

	e.logger.Debug("pool synced",
		zap.String("pool", string(entry.pool.ID)),
		zap.Uint64("from_block", result.FromBlock),
		zap.Uint64("to_block", result.ToBlock),
		zap.String("last_event", state.LastKey().String()),
		zap.Int("applied", result.Applied))
	return result, nil
}

func (e *Engine) revertLocked(ctx context.Context, entry *poolEntry, fromBlock uint64) error {
	if _, err := e.snapshots.Delete(ctx, entry.pool.ID); err != nil {
		return fmt.Errorf("discard snapshot for %s: %w", entry.pool.ID, err)
	}
	removed, err := e.ledger.DeleteFrom(ctx, entry.pool.ID, fromBlock)
	if err != nil {
		return fmt.Errorf("invalidate events for %s from block %d: %w", entry.pool.ID, fromBlock, err)
	}
	entry.state = nil
	entry.phase = PhaseBootstrapping
	e.logger.Warn("reorg invalidated pool state",
		zap.String("pool", string(entry.pool.ID)),
		zap.Uint64("from_block", fromBlock),
		zap.Int64("events_removed", removed))
	return nil
}
