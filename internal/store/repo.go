// Package store holds the PostgreSQL persistence layer: schema migrations
// and the Repo type's query methods used by the cache, outbox, and sync
// packages.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo wraps a pgxpool.Pool with the query methods the agent's components
// need. Methods are grouped by entity across repo_*.go files in this
// package.
type Repo struct {
	pool *pgxpool.Pool
}

func newRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Close releases the underlying connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// Ping verifies connectivity, used by the health handler.
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
