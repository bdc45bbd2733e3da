package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"liquiditySync/internal/model"
)

// MemorySnapshots is an in-memory SnapshotStore used by tests and pure-replay
// setups. Snapshots are deep-copied on the way in and out.
type MemorySnapshots struct {
	mu    sync.RWMutex
	snaps map[model.PoolID]*model.Snapshot
	now   func() time.Time
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{
		snaps: make(map[model.PoolID]*model.Snapshot),
		now:   time.Now,
	}
}

func (s *MemorySnapshots) Put(ctx context.Context, snap *model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := snap.Clone()
	now := s.now()
	stored.UpdatedAt = now
	if prev, ok := s.snaps[snap.PoolID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.UpdateCount = prev.UpdateCount + 1
	} else {
		stored.CreatedAt = now
		stored.UpdateCount = 0
	}
	s.snaps[snap.PoolID] = stored
	return nil
}

func (s *MemorySnapshots) Get(ctx context.Context, id model.PoolID) (*model.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, false, nil
	}
	return snap.Clone(), true, nil
}

func (s *MemorySnapshots) Delete(ctx context.Context, id model.PoolID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snaps[id]
	delete(s.snaps, id)
	return ok, nil
}

func (s *MemorySnapshots) All(ctx context.Context, afterBlock uint64, fn func(*model.Snapshot) error) error {
	s.mu.RLock()
	ids := make([]model.PoolID, 0, len(s.snaps))
	for id, snap := range s.snaps {
		if snap.ReferenceBlock > afterBlock || afterBlock == 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	clones := make([]*model.Snapshot, len(ids))
	for i, id := range ids {
		clones[i] = s.snaps[id].Clone()
	}
	s.mu.RUnlock()

	for _, snap := range clones {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemorySnapshots) Stats(ctx context.Context) (SnapshotStats, error) {
	if err := ctx.Err(); err != nil {
		return SnapshotStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SnapshotStats{ByProtocol: make(map[string]int64)}
	var tickTotal int64
	var oldest, newest time.Time
	for _, snap := range s.snaps {
		stats.Count++
		stats.ByProtocol[snap.Protocol.String()]++
		tickTotal += int64(snap.TickCount())
		if stats.OldestReferenceBlock == 0 || snap.ReferenceBlock < stats.OldestReferenceBlock {
			stats.OldestReferenceBlock = snap.ReferenceBlock
		}
		if snap.ReferenceBlock > stats.NewestReferenceBlock {
			stats.NewestReferenceBlock = snap.ReferenceBlock
		}
		if oldest.IsZero() || snap.UpdatedAt.Before(oldest) {
			oldest = snap.UpdatedAt
		}
		if snap.UpdatedAt.After(newest) {
			newest = snap.UpdatedAt
		}
	}
	if stats.Count > 0 {
		stats.AvgTickCount = float64(tickTotal) / float64(stats.Count)
		now := s.now()
		stats.OldestAge = now.Sub(oldest)
		stats.NewestAge = now.Sub(newest)
	}
	return stats, nil
}

func (s *MemorySnapshots) StalePools(ctx context.Context, olderThan time.Duration) ([]model.PoolID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-olderThan)
	var stale []model.PoolID
	for id, snap := range s.snaps {
		if snap.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale, nil
}

// MemoryLedger is an in-memory EventLedger. Events are kept sorted by
// ordering key per pool.
type MemoryLedger struct {
	mu     sync.RWMutex
	events map[model.PoolID][]*model.LiquidityEvent
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[model.PoolID][]*model.LiquidityEvent),
		now:    time.Now,
	}
}

func (l *MemoryLedger) Append(ctx context.Context, ev *model.LiquidityEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ev), nil
}

func (l *MemoryLedger) AppendBatch(ctx context.Context, evs []*model.LiquidityEvent) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := 0
	for _, ev := range evs {
		if l.appendLocked(ev) {
			stored++
		}
	}
	return stored, nil
}

func (l *MemoryLedger) appendLocked(ev *model.LiquidityEvent) bool {
	pool := l.events[ev.PoolID]
	i := sort.Search(len(pool), func(i int) bool {
		return pool[i].EventKey.Compare(ev.EventKey) >= 0
	})
	if i < len(pool) && pool[i].EventKey == ev.EventKey {
		return false
	}
	pool = append(pool, nil)
	copy(pool[i+1:], pool[i:])
	pool[i] = ev.Clone()
	l.events[ev.PoolID] = pool
	return true
}

func (l *MemoryLedger) EventsSince(ctx context.Context, id model.PoolID, afterBlock uint64, fn func(*model.LiquidityEvent) error) error {
	l.mu.RLock()
	pool := l.events[id]
	start := sort.Search(len(pool), func(i int) bool { return pool[i].Block > afterBlock })
	batch := make([]*model.LiquidityEvent, len(pool)-start)
	for i, ev := range pool[start:] {
		batch[i] = ev.Clone()
	}
	l.mu.RUnlock()

	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, id model.PoolID, key model.EventKey) (*model.LiquidityEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	pool := l.events[id]
	i := sort.Search(len(pool), func(i int) bool {
		return pool[i].EventKey.Compare(key) >= 0
	})
	if i < len(pool) && pool[i].EventKey == key {
		return pool[i].Clone(), true, nil
	}
	return nil, false, nil
}

func (l *MemoryLedger) DeleteFrom(ctx context.Context, id model.PoolID, fromBlock uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pool := l.events[id]
	i := sort.Search(len(pool), func(i int) bool { return pool[i].Block >= fromBlock })
	removed := int64(len(pool) - i)
	if removed > 0 {
		l.events[id] = pool[:i]
	}
	return removed, nil
}

func (l *MemoryLedger) PruneBefore(ctx context.Context, id model.PoolID, block uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pool := l.events[id]
	i := sort.Search(len(pool), func(i int) bool { return pool[i].Block >= block })
	if i > 0 {
		l.events[id] = pool[i:]
	}
	return int64(i), nil
}

func (l *MemoryLedger) Stats(ctx context.Context) (LedgerStats, error) {
	if err := ctx.Err(); err != nil {
		return LedgerStats{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := LedgerStats{ByKind: make(map[string]int64)}
	var newest uint64
	for _, pool := range l.events {
		if len(pool) == 0 {
			continue
		}
		stats.PoolCount++
		for _, ev := range pool {
			stats.Count++
			stats.ByKind[ev.Kind.String()]++
			if stats.MinBlock == 0 || ev.Block < stats.MinBlock {
				stats.MinBlock = ev.Block
			}
			if ev.Block > stats.MaxBlock {
				stats.MaxBlock = ev.Block
			}
			if ev.Timestamp > newest {
				newest = ev.Timestamp
			}
		}
	}
	if newest > 0 {
		stats.NewestAge = l.now().Sub(time.Unix(int64(newest), 0))
	}
	return stats, nil
}

var (
	_ SnapshotStore = (*MemorySnapshots)(nil)
	_ EventLedger   = (*MemoryLedger)(nil)
)
