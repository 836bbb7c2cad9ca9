package params

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var postgresSchema = []string{
	`
CREATE TABLE IF NOT EXISTS strategy_parameters (
  key TEXT PRIMARY KEY,
  value DOUBLE PRECISION NOT NULL,
  previous_value DOUBLE PRECISION NOT NULL DEFAULT 0,
  updated_at BIGINT NOT NULL,
  updated_by TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  min_value DOUBLE PRECISION NOT NULL,
  max_value DOUBLE PRECISION NOT NULL
)`,
	`
CREATE TABLE IF NOT EXISTS parameter_history (
  id BIGSERIAL PRIMARY KEY,
  key TEXT NOT NULL,
  value DOUBLE PRECISION NOT NULL,
  previous_value DOUBLE PRECISION NOT NULL,
  updated_at BIGINT NOT NULL,
  updated_by TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  min_value DOUBLE PRECISION NOT NULL,
  max_value DOUBLE PRECISION NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_parameter_history_key ON parameter_history(key, updated_at DESC)`,
}

const postgresUpsert = `
INSERT INTO strategy_parameters (key, value, previous_value, updated_at, updated_by, reason, min_value, max_value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE SET
  value = EXCLUDED.value,
  previous_value = EXCLUDED.previous_value,
  updated_at = EXCLUDED.updated_at,
  updated_by = EXCLUDED.updated_by,
  reason = EXCLUDED.reason,
  min_value = EXCLUDED.min_value,
  max_value = EXCLUDED.max_value
WHERE EXCLUDED.updated_at >= strategy_parameters.updated_at`

// PostgresBackend stores parameters in Postgres, for deployments that share
// one parameter set across several gatekeeper processes.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, pings, and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	for _, q := range postgresSchema {
		if _, err := pool.Exec(connectCtx, q); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "migrate params schema")
		}
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, key string) (Parameter, bool, error) {
	row := b.pool.QueryRow(ctx, `
SELECT key, value, previous_value, updated_at, updated_by, reason, min_value, max_value
FROM strategy_parameters WHERE key = $1`, key)
	p, err := scanParameter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Parameter{}, false, nil
	}
	if err != nil {
		return Parameter{}, false, errors.Wrapf(err, "load parameter %s", key)
	}
	return p, true, nil
}

func (b *PostgresBackend) LoadAll(ctx context.Context) ([]Parameter, error) {
	rows, err := b.pool.Query(ctx, `
SELECT key, value, previous_value, updated_at, updated_by, reason, min_value, max_value
FROM strategy_parameters ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "query parameters")
	}
	defer rows.Close()
	return collectPgParameters(rows)
}

func (b *PostgresBackend) Save(ctx context.Context, p Parameter) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, postgresUpsert,
		p.Key, p.Value, p.PreviousValue, p.UpdatedAt.UnixNano(), string(p.UpdatedBy), p.Reason, p.Min, p.Max)
	if err != nil {
		return errors.Wrapf(err, "upsert parameter %s", p.Key)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `
INSERT INTO parameter_history (key, value, previous_value, updated_at, updated_by, reason, min_value, max_value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.Key, p.Value, p.PreviousValue, p.UpdatedAt.UnixNano(), string(p.UpdatedBy), p.Reason, p.Min, p.Max); err != nil {
			return errors.Wrapf(err, "append history %s", p.Key)
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit parameter")
}

func (b *PostgresBackend) History(ctx context.Context, key string, limit int) ([]Parameter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.pool.Query(ctx, `
SELECT key, value, previous_value, updated_at, updated_by, reason, min_value, max_value
FROM parameter_history WHERE key = $1 ORDER BY updated_at DESC, id DESC LIMIT $2`, key, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "query history %s", key)
	}
	defer rows.Close()
	return collectPgParameters(rows)
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func collectPgParameters(rows pgx.Rows) ([]Parameter, error) {
	var out []Parameter
	for rows.Next() {
		p, err := scanParameter(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan parameter")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate parameters")
}
