package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Bootstrap opens a pgxpool against dsn, applies pending migrations, and
// returns a Repo wrapping the ready-to-use pool. Callers must call
// Repo.Close when done.
//
// Steps:
//  1. Parse pool config and apply maxConns (DB_POOL_SIZE).
//  2. Open the pool and verify connectivity with Ping.
//  3. Run migrations through a database/sql adapter over the same DSN.
//  4. Construct and return the Repo.
func Bootstrap(ctx context.Context, dsn string, maxConns int32) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	migErr := MigrateDB(sqlDB)
	closeErr := sqlDB.Close()
	if migErr != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", migErr)
	}
	if closeErr != nil {
		pool.Close()
		return nil, fmt.Errorf("close migration handle: %w", closeErr)
	}

	return newRepo(pool), nil
}
