package scraper

import (
	"fmt"
	"sort"
	"time"

	"liquiditySync/internal/model"
)

// PlannerConfig sizes scrape batches so one batch of reads fits inside a
// block interval at the tier's sustainable call rate.
type PlannerConfig struct {
	BlockInterval time.Duration              // target chain block time
	SafetyMargin  float64                    // fraction of the interval budgeted for reads, in (0, 1]
	Rates         map[model.Protocol]float64 // sustainable pools per second per tier
}

// BatchPlan is one tier-homogeneous unit of scraping work.
type BatchPlan struct {
	Protocol model.Protocol
	Pools    []*model.Pool
}

// PlanBatches groups pools by protocol and splits each tier into batches of
// at most rate * interval * margin pools. Tiers are ordered fastest first so
// cheap reads are never queued behind expensive word scans; pool order within
// a tier follows the input.
func PlanBatches(pools []*model.Pool, cfg PlannerConfig) ([]BatchPlan, error) {
	if cfg.BlockInterval <= 0 {
		return nil, fmt.Errorf("block interval must be positive")
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		return nil, fmt.Errorf("safety margin must be in (0, 1], got %g", cfg.SafetyMargin)
	}

	byProtocol := make(map[model.Protocol][]*model.Pool)
	for _, pool := range pools {
		if err := pool.Validate(); err != nil {
			return nil, err
		}
		byProtocol[pool.Protocol] = append(byProtocol[pool.Protocol], pool)
	}

	protocols := make([]model.Protocol, 0, len(byProtocol))
	for protocol := range byProtocol {
		protocols = append(protocols, protocol)
	}
	sort.Slice(protocols, func(i, j int) bool {
		ri, rj := cfg.Rates[protocols[i]], cfg.Rates[protocols[j]]
		if ri != rj {
			return ri > rj
		}
		return protocols[i] < protocols[j]
	})

	var plans []BatchPlan
	for _, protocol := range protocols {
		rate, ok := cfg.Rates[protocol]
		if !ok || rate <= 0 {
			return nil, fmt.Errorf("no scrape rate configured for protocol %s", protocol)
		}

		size := int(rate * cfg.BlockInterval.Seconds() * cfg.SafetyMargin)
		if size < 1 {
			size = 1
		}

		members := byProtocol[protocol]
		for start := 0; start < len(members); start += size {
			end := start + size
			if end > len(members) {
				end = len(members)
			}
			plans = append(plans, BatchPlan{Protocol: protocol, Pools: members[start:end]})
		}
	}
	return plans, nil
}
