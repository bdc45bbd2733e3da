package scraper

import (
	"encoding/json"
	"fmt"
	"os"

	"liquiditySync/internal/model"
)

// LoadUniverse reads the tracked pool set from a JSON file. IDs are
// normalized and must be unique.
func LoadUniverse(path string) ([]*model.Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}

	var pools []*model.Pool
	if err := json.Unmarshal(data, &pools); err != nil {
		return nil, fmt.Errorf("parse universe: %w", err)
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("universe %s is empty", path)
	}

	seen := make(map[model.PoolID]struct{}, len(pools))
	for i, pool := range pools {
		id, err := model.ParsePoolID(string(pool.ID))
		if err != nil {
			return nil, fmt.Errorf("universe entry %d: %w", i, err)
		}
		pool.ID = id
		if err := pool.Validate(); err != nil {
			return nil, fmt.Errorf("universe entry %d: %w", i, err)
		}
		if _, ok := seen[pool.ID]; ok {
			return nil, fmt.Errorf("universe entry %d: duplicate pool %s", i, pool.ID)
		}
		seen[pool.ID] = struct{}{}
	}
	return pools, nil
}
