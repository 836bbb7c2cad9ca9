package params

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL;`,
	`
CREATE TABLE IF NOT EXISTS strategy_parameters (
  key TEXT PRIMARY KEY,
  value REAL NOT NULL,
  previous_value REAL NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL,
  updated_by TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  min_value REAL NOT NULL,
  max_value REAL NOT NULL
);`,
	`
CREATE TABLE IF NOT EXISTS parameter_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  key TEXT NOT NULL,
  value REAL NOT NULL,
  previous_value REAL NOT NULL,
  updated_at INTEGER NOT NULL,
  updated_by TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  min_value REAL NOT NULL,
  max_value REAL NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_parameter_history_key ON parameter_history(key, updated_at DESC);`,
}

// SQLiteBackend stores parameters in a local SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir params db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, q := range sqliteSchema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "migrate params schema")
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, key string) (Parameter, bool, error) {
	row := b.db.QueryRowContext(ctx, `
SELECT key, value, previous_value, updated_at, updated_by, reason, min_value, max_value
FROM strategy_parameters WHERE key = ?`, key)
	p, err := scanParameter(row)
	if err == sql.ErrNoRows {
		return Parameter{}, false, nil
	}
	if err != nil {
		return Parameter{}, false, errors.Wrapf(err, "load parameter %s", key)
	}
	return p, true, nil
}

func (b *SQLiteBackend) LoadAll(ctx context.Context) ([]Parameter, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT key, value, previous_value, updated_at, updated_by, reason, min_value, max_value
FROM strategy_parameters ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "query parameters")
	}
	defer rows.Close()
	return collectParameters(rows)
}

func (b *SQLiteBackend) Save(ctx context.Context, p Parameter) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO strategy_parameters (key, value, previous_value, updated_at, updated_by, reason, min_value, max_value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  previous_value = excluded.previous_value,
  updated_at = excluded.updated_at,
  updated_by = excluded.updated_by,
  reason = excluded.reason,
  min_value = excluded.min_value,
  max_value = excluded.max_value
WHERE excluded.updated_at >= strategy_parameters.updated_at`,
		p.Key, p.Value, p.PreviousValue, p.UpdatedAt.UnixNano(), string(p.UpdatedBy), p.Reason, p.Min, p.Max)
	if err != nil {
		return errors.Wrapf(err, "upsert parameter %s", p.Key)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A newer write already landed.
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO parameter_history (key, value, previous_value, updated_at, updated_by, reason, min_value, max_value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Key, p.Value, p.PreviousValue, p.UpdatedAt.UnixNano(), string(p.UpdatedBy), p.Reason, p.Min, p.Max); err != nil {
		return errors.Wrapf(err, "append history %s", p.Key)
	}
	return errors.Wrap(tx.Commit(), "commit parameter")
}

func (b *SQLiteBackend) History(ctx context.Context, key string, limit int) ([]Parameter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `
SELECT key, value, previous_value, updated_at, updated_by, reason, min_value, max_value
FROM parameter_history WHERE key = ? ORDER BY updated_at DESC, id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "query history %s", key)
	}
	defer rows.Close()
	return collectParameters(rows)
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParameter(r rowScanner) (Parameter, error) {
	var (
		p        Parameter
		at       int64
		updateBy string
	)
	if err := r.Scan(&p.Key, &p.Value, &p.PreviousValue, &at, &updateBy, &p.Reason, &p.Min, &p.Max); err != nil {
		return Parameter{}, err
	}
	p.UpdatedAt = time.Unix(0, at).UTC()
	p.UpdatedBy = Source(updateBy)
	return p, nil
}

func collectParameters(rows *sql.Rows) ([]Parameter, error) {
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
