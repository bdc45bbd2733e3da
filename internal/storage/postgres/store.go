package postgres

import (
	"context"
	"fmt"
	"math/big"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TableConfig names the chain and table namespace a store works against.
// Table names are always derived here, never format-stringed at call sites.
type TableConfig struct {
	ChainID     uint64
	TablePrefix string
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks the config can produce safe SQL identifiers.
func (c TableConfig) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if c.TablePrefix == "" {
		return fmt.Errorf("table prefix is required")
	}
	if !identifierPattern.MatchString(c.TablePrefix) {
		return fmt.Errorf("table prefix %q is not a valid identifier", c.TablePrefix)
	}
	return nil
}

// SnapshotsTable is the per-chain liquidity snapshot table name.
func (c TableConfig) SnapshotsTable() string {
	return fmt.Sprintf("%s_%d_liquidity_snapshots", c.TablePrefix, c.ChainID)
}

// EventsTable is the per-chain liquidity event ledger table name.
func (c TableConfig) EventsTable() string {
	return fmt.Sprintf("%s_%d_liquidity_events", c.TablePrefix, c.ChainID)
}

// Connect opens a pgx connection pool. The caller owns the pool and closes it
// on shutdown.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// numericArg converts a big value for a NUMERIC column, preserving NULL.
func numericArg(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

// parseNumeric converts a NUMERIC::text scan result back to a big value.
func parseNumeric(field string, s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s value %q", field, *s)
	}
	return v, nil
}
