package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS approval_progress (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL,
	system      TEXT NOT NULL,
	approval_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	comments    TEXT NOT NULL DEFAULT ''
)`

const insertSQL = `INSERT INTO approval_progress (user_id, system, approval_id, status, timestamp, comments)
VALUES ($1, $2, $3, $4, $5, $6)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres records decisions in the approval_progress table.
type Postgres struct {
	db   execer
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if poolCfg.MaxConns <= 0 || poolCfg.MaxConns > 4 {
		poolCfg.MaxConns = 4
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

func newPostgres(db execer) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the audit table if it is missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create approval_progress: %w", err)
	}
	return nil
}

// Record inserts one row.
func (p *Postgres) Record(ctx context.Context, rec Record) error {
	_, err := p.db.Exec(ctx, insertSQL, rec.User, rec.System, rec.ApprovalID, rec.Status, rec.Time.UTC(), rec.Comment)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
