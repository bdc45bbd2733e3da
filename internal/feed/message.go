// Package feed consumes the ordered liquidity event stream from NATS
// JetStream and lands it in the event ledger. Delivery is at-least-once; the
// ledger's idempotent appends make redelivery harmless.
package feed

import (
	"errors"
	"fmt"

	"liquiditySync/internal/model"
)

// StreamName is the JetStream stream carrying block envelopes.
const StreamName = "LIQUIDITY"

const subjectRoot = "liquidity.events"

// Subject returns the chain-scoped subject envelopes are published on.
func Subject(chainID uint64) string {
	return fmt.Sprintf("%s.%d", subjectRoot, chainID)
}

// BlockEnvelope groups every liquidity event of one block, so consumers see
// explicit block boundaries. A reverted envelope announces a reorg: the
// listed pools lost this block and everything above it.
type BlockEnvelope struct {
	ChainID  uint64                  `json:"chain_id"`
	Block    uint64                  `json:"block"`
	Reverted bool                    `json:"reverted"`
	Events   []*model.LiquidityEvent `json:"events"`
}

// Validate checks the envelope's internal consistency.
func (env *BlockEnvelope) Validate() error {
	if env.ChainID == 0 {
		return errors.New("envelope has no chain id")
	}
	if env.Block == 0 {
		return errors.New("envelope has no block number")
	}
	if len(env.Events) == 0 {
		return fmt.Errorf("envelope for block %d carries no events", env.Block)
	}
	for i, ev := range env.Events {
		if ev == nil {
			return fmt.Errorf("envelope for block %d: event %d is nil", env.Block, i)
		}
		if _, err := model.ParsePoolID(string(ev.PoolID)); err != nil {
			return fmt.Errorf("envelope for block %d: event %d: %w", env.Block, i, err)
		}
		if ev.Block != env.Block {
			return fmt.Errorf("envelope for block %d: event %s is for block %d", env.Block, ev.EventKey, ev.Block)
		}
		if ev.Kind == model.KindUnknown {
			return fmt.Errorf("envelope for block %d: event %s has no kind", env.Block, ev.EventKey)
		}
		// A delta whose sign contradicts its kind can never apply; rejecting
		// it here keeps it out of the ledger, where it would fail every
		// subsequent sync of its pool.
		switch ev.Kind {
		case model.KindMint:
			if ev.LiquidityDelta != nil && ev.LiquidityDelta.Sign() < 0 {
				return fmt.Errorf("envelope for block %d: event %s: mint carries a negative liquidity delta", env.Block, ev.EventKey)
			}
		case model.KindBurn:
			if ev.LiquidityDelta != nil && ev.LiquidityDelta.Sign() > 0 {
				return fmt.Errorf("envelope for block %d: event %s: burn carries a positive liquidity delta", env.Block, ev.EventKey)
			}
		}
	}
	return nil
}

// Pools returns the envelope's distinct pool ids in first-seen order.
func (env *BlockEnvelope) Pools() []model.PoolID {
	seen := make(map[model.PoolID]struct{}, len(env.Events))
	ids := make([]model.PoolID, 0, len(env.Events))
	for _, ev := range env.Events {
		if ev == nil {
			continue
		}
		if _, ok := seen[ev.PoolID]; ok {
			continue
		}
		seen[ev.PoolID] = struct{}{}
		ids = append(ids, ev.PoolID)
	}
	return ids
}
