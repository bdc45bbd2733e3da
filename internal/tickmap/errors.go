package tickmap

import (
	"errors"
	"fmt"
	"math/big"

	"liquiditySync/internal/model"
)

// ErrStaleEvent marks an event whose ordering key is at or below the last
// applied key. The caller decides whether it is a harmless redelivery or
// ledger corruption.
var ErrStaleEvent = errors.New("event key at or below last applied key")

// ErrRevertedEvent marks an event flagged by a chain reorg. Reverted events
// are never applied; they trigger snapshot invalidation upstream.
var ErrRevertedEvent = errors.New("event is flagged as reverted")

// InvariantError reports liquidity accounting leaving its fixed-width domain:
// a negative gross, a 128-bit overflow, or a negative reserve. It is fatal
// for the pool's replay; the pool must be re-bootstrapped from a fresh
// snapshot.
type InvariantError struct {
	Pool  model.PoolID
	Key   model.EventKey
	Tick  int32
	Field string
	Value *big.Int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("pool %s event %s: %s out of range at tick %d: %s",
		e.Pool, e.Key, e.Field, e.Tick, e.Value)
}

// UnsupportedKindError reports an event kind the pool's protocol never emits.
type UnsupportedKindError struct {
	Protocol model.Protocol
	Kind     model.EventKind
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("protocol %s does not emit %s events", e.Protocol, e.Kind)
}
