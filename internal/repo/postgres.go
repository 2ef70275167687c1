package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/quota"
)

// PostgresRepo is the Postgres quota.Counter. One row per (subject, period);
// the pool dials lazily and the table is created on first use.
type PostgresRepo struct {
	pool    *pgxpool.Pool
	table   string
	breaker *Breaker
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	ready bool

	sqlGet, sqlIncr, sqlIncrBelow, sqlDelete, sqlPurge string
}

// PGOption customises PostgresRepo.
type PGOption func(*PostgresRepo)

func WithPGBreaker(b *Breaker) PGOption {
	return func(p *PostgresRepo) { p.breaker = b }
}

func WithPGClock(now func() time.Time) PGOption {
	return func(p *PostgresRepo) { p.now = now }
}

func NewPostgres(ctx context.Context, cfg config.PostgresCfg, logger *slog.Logger, opts ...PGOption) (*PostgresRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	p := &PostgresRepo{
		pool:   pool,
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		logger: logger.With("component", "postgres"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.prepareSQL()
	return p, nil
}

func (p *PostgresRepo) prepareSQL() {
	t := p.table
	p.sqlGet = fmt.Sprintf(`SELECT count FROM %s WHERE subject = $1 AND period = $2`, t)
	p.sqlIncr = fmt.Sprintf(`
INSERT INTO %[1]s (subject, period, count, expires_at) VALUES ($1, $2, 1, $3)
ON CONFLICT (subject, period) DO UPDATE SET count = %[1]s.count + 1
RETURNING count`, t)
	p.sqlIncrBelow = fmt.Sprintf(`
INSERT INTO %[1]s (subject, period, count, expires_at) VALUES ($1, $2, 1, $4)
ON CONFLICT (subject, period) DO UPDATE SET count = %[1]s.count + 1
WHERE %[1]s.count < $3
RETURNING count`, t)
	p.sqlDelete = fmt.Sprintf(`DELETE FROM %s WHERE subject = $1 AND period = $2`, t)
	p.sqlPurge = fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, t)
}

func (p *PostgresRepo) Name() string { return config.BackendPostgres }

// EnsureSchema creates the counter table. It runs once successfully; a
// failure is returned and retried on the next call.
func (p *PostgresRepo) EnsureSchema(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  subject    TEXT        NOT NULL,
  period     TEXT        NOT NULL,
  count      BIGINT      NOT NULL DEFAULT 0,
  expires_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (subject, period)
)`, p.table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		p.logger.Error("ensure schema failed", "err", err)
		return fmt.Errorf("%w: postgres schema: %w", quota.ErrBackendUnavailable, err)
	}
	p.ready = true
	return nil
}

func (p *PostgresRepo) do(ctx context.Context, call string, fn func(context.Context) error) error {
	if err := p.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := p.breaker.Do(func() error { return fn(ctx) }); err != nil {
		return fmt.Errorf("%w: postgres %s: %w", quota.ErrBackendUnavailable, call, err)
	}
	return nil
}

func (p *PostgresRepo) Get(ctx context.Context, subject, period string) (int64, error) {
	var n int64
	err := p.do(ctx, "get", func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx, p.sqlGet, subject, period).Scan(&n)
		if errors.Is(err, pgx.ErrNoRows) {
			n = 0
			return nil
		}
		return err
	})
	return n, err
}

func (p *PostgresRepo) IncrWithExpiry(ctx context.Context, subject, period string, ttl time.Duration) (int64, error) {
	var n int64
	err := p.do(ctx, "incr", func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, p.sqlIncr, subject, period, p.now().Add(ttl)).Scan(&n)
	})
	return n, err
}

func (p *PostgresRepo) IncrBelow(ctx context.Context, subject, period string, limit int64, ttl time.Duration) (int64, bool, error) {
	if limit <= 0 {
		n, err := p.Get(ctx, subject, period)
		return n, false, err
	}
	var (
		n       int64
		blocked bool
	)
	err := p.do(ctx, "incr_below", func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx, p.sqlIncrBelow, subject, period, limit, p.now().Add(ttl)).Scan(&n)
		if errors.Is(err, pgx.ErrNoRows) {
			// the conflict row is already at the limit
			blocked = true
			return p.pool.QueryRow(ctx, p.sqlGet, subject, period).Scan(&n)
		}
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return n, !blocked, nil
}

func (p *PostgresRepo) Delete(ctx context.Context, subject, period string) error {
	return p.do(ctx, "delete", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, p.sqlDelete, subject, period)
		return err
	})
}

// Sweep purges rows whose expiry has passed.
func (p *PostgresRepo) Sweep(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := p.do(ctx, "sweep", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, p.sqlPurge, now)
		n = tag.RowsAffected()
		return err
	})
	return int(n), err
}

func (p *PostgresRepo) Ping(ctx context.Context) error {
	return p.do(ctx, "ping", p.pool.Ping)
}

func (p *PostgresRepo) Close() error {
	p.pool.Close()
	return nil
}
