// Package audit keeps a durable SQLite log of decisions, approvals,
// evolution cycles and closed trades.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

var schema = []string{
	`PRAGMA journal_mode=WAL;`,
	`
CREATE TABLE IF NOT EXISTS decisions (
  id TEXT PRIMARY KEY,
  at INTEGER NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  confidence REAL NOT NULL,
  strategy_id TEXT NOT NULL DEFAULT '',
  force INTEGER NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL,
  class TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  threshold REAL NOT NULL,
  execute INTEGER NOT NULL DEFAULT 0,
  final_reason TEXT NOT NULL DEFAULT '',
  approval_token TEXT NOT NULL DEFAULT '',
  approval_status TEXT NOT NULL DEFAULT '',
  order_id TEXT NOT NULL DEFAULT ''
);`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at DESC);`,
	`
CREATE TABLE IF NOT EXISTS approvals (
  token TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  confidence REAL NOT NULL,
  threshold REAL NOT NULL,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL,
  resolved_at INTEGER NOT NULL DEFAULT 0,
  resolved_by TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT ''
);`,
	`
CREATE TABLE IF NOT EXISTS evolution_cycles (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  at INTEGER NOT NULL,
  key TEXT NOT NULL,
  direction TEXT NOT NULL DEFAULT '',
  from_value REAL NOT NULL,
  to_value REAL NOT NULL,
  verdict TEXT NOT NULL,
  rejected_by TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  short_json TEXT NOT NULL,
  long_json TEXT NOT NULL,
  comparison_json TEXT NOT NULL DEFAULT ''
);`,
	`
CREATE TABLE IF NOT EXISTS closed_trades (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  trade_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  strategy_id TEXT NOT NULL DEFAULT '',
  side TEXT NOT NULL,
  quantity REAL NOT NULL,
  entry_price REAL NOT NULL,
  exit_price REAL NOT NULL,
  pnl REAL NOT NULL,
  return_pct REAL NOT NULL,
  confidence REAL NOT NULL,
  opened_at INTEGER NOT NULL,
  closed_at INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at);`,
}

// Store is the audit log.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (and migrates) the audit database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir audit db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "migrate audit schema")
		}
	}
	return &Store{db: db, log: logging.For("audit")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Decision is one processed intent.
type Decision struct {
	ID             string         `json:"id"`
	At             time.Time      `json:"at"`
	Intent         trade.Intent   `json:"intent"`
	Decision       trade.Decision `json:"decision"`
	Execute        bool           `json:"execute"`
	FinalReason    string         `json:"final_reason"`
	ApprovalToken  string         `json:"approval_token,omitempty"`
	ApprovalStatus string         `json:"approval_status,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
}

func (s *Store) RecordDecision(ctx context.Context, d Decision) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO decisions (id, at, symbol, side, quantity, confidence, strategy_id, force,
  outcome, class, reason, threshold, execute, final_reason, approval_token, approval_status, order_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  execute = excluded.execute,
  final_reason = excluded.final_reason,
  approval_token = excluded.approval_token,
  approval_status = excluded.approval_status,
  order_id = excluded.order_id`,
		d.ID, unixNano(d.At), d.Intent.Symbol, string(d.Intent.Side), d.Intent.Quantity, d.Intent.Confidence,
		d.Intent.StrategyID, d.Intent.Force, string(d.Decision.Outcome), string(d.Decision.Class), d.Decision.Reason,
		d.Decision.ThresholdUsed, d.Execute, d.FinalReason, d.ApprovalToken, d.ApprovalStatus, d.OrderID)
	return errors.Wrap(err, "record decision")
}

// RecentDecisions returns the newest decisions first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, at, symbol, side, quantity, confidence, strategy_id, force, outcome, class, reason,
  threshold, execute, final_reason, approval_token, approval_status, order_id
FROM decisions ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query decisions")
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var (
			d                    Decision
			at                   int64
			side, outcome, class string
		)
		if err := rows.Scan(&d.ID, &at, &d.Intent.Symbol, &side, &d.Intent.Quantity, &d.Intent.Confidence,
			&d.Intent.StrategyID, &d.Intent.Force, &outcome, &class, &d.Decision.Reason, &d.Decision.ThresholdUsed,
			&d.Execute, &d.FinalReason, &d.ApprovalToken, &d.ApprovalStatus, &d.OrderID); err != nil {
			return nil, errors.Wrap(err, "scan decision")
		}
		d.At = fromNano(at)
		d.Intent.Side = trade.Side(side)
		d.Decision.Outcome = trade.Outcome(outcome)
		d.Decision.Class = trade.Class(class)
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate decisions")
}

// DecisionCounts counts decisions since t by outcome, plus approval
// statuses under "approved", "denied_by_operator" and "expired".
func (s *Store) DecisionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	out := make(map[string]int)
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM decisions WHERE at >= ? GROUP BY outcome`, unixNano(since))
	if err != nil {
		return nil, errors.Wrap(err, "count decisions")
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate counts")
	}

	arows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM approvals WHERE created_at >= ? AND status != ? GROUP BY status`,
		unixNano(since), string(approval.StatusWaiting))
	if err != nil {
		return nil, errors.Wrap(err, "count approvals")
	}
	defer arows.Close()
	for arows.Next() {
		var k string
		var n int
		if err := arows.Scan(&k, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		if k == string(approval.StatusDenied) {
			k = "denied_by_operator"
		}
		out[k] = n
	}
	return out, errors.Wrap(arows.Err(), "iterate approval counts")
}

// RecordApproval upserts the latest state of an approval.
func (s *Store) RecordApproval(ctx context.Context, p approval.Pending) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approvals (token, symbol, side, quantity, confidence, threshold, status, created_at, expires_at,
  resolved_at, resolved_by, reason, note)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
  status = excluded.status,
  resolved_at = excluded.resolved_at,
  resolved_by = excluded.resolved_by,
  reason = excluded.reason,
  note = excluded.note
WHERE approvals.status = 'waiting'`,
		p.ID, p.Intent.Symbol, string(p.Intent.Side), p.Intent.Quantity, p.Intent.Confidence, p.Threshold,
		string(p.Status), unixNano(p.CreatedAt), unixNano(p.ExpiresAt), unixNano(p.ResolvedAt), p.ResolvedBy, p.Reason, p.Note)
	return errors.Wrap(err, "record approval")
}

// OnApprovalEvent is an approval.Listener.
func (s *Store) OnApprovalEvent(ev approval.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.RecordApproval(ctx, ev.Pending); err != nil {
		s.log.WithError(err).WithField("token", ev.Pending.ID).Warn("audit approval failed")
	}
}

// Approvals returns the newest approvals first.
func (s *Store) Approvals(ctx context.Context, limit int) ([]approval.Pending, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT token, symbol, side, quantity, confidence, threshold, status, created_at, expires_at,
  resolved_at, resolved_by, reason, note
FROM approvals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query approvals")
	}
	defer rows.Close()
	var out []approval.Pending
	for rows.Next() {
		var (
			p                          approval.Pending
			side, status               string
			created, expires, resolved int64
		)
		if err := rows.Scan(&p.ID, &p.Intent.Symbol, &side, &p.Intent.Quantity, &p.Intent.Confidence, &p.Threshold,
			&status, &created, &expires, &resolved, &p.ResolvedBy, &p.Reason, &p.Note); err != nil {
			return nil, errors.Wrap(err, "scan approval")
		}
		p.Intent.Side = trade.Side(side)
		p.Status = approval.Status(status)
		p.CreatedAt, p.ExpiresAt, p.ResolvedAt = fromNano(created), fromNano(expires), fromNano(resolved)
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate approvals")
}

// RecordEvolution implements evolution.Recorder. Both metric sets are kept.
func (s *Store) RecordEvolution(ctx context.Context, c evolution.Change) error {
	short, err := json.Marshal(c.Short)
	if err != nil {
		return errors.Wrap(err, "encode short snapshot")
	}
	long, err := json.Marshal(c.Long)
	if err != nil {
		return errors.Wrap(err, "encode long snapshot")
	}
	var cmp []byte
	if c.Comparison != nil {
		if cmp, err = json.Marshal(c.Comparison); err != nil {
			return errors.Wrap(err, "encode comparison")
		}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO evolution_cycles (at, key, direction, from_value, to_value, verdict, rejected_by, reason,
  short_json, long_json, comparison_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unixNano(c.At), c.Key, string(c.Direction), c.From, c.To, string(c.Verdict), c.Rejected, c.Reason,
		string(short), string(long), string(cmp))
	return errors.Wrap(err, "record evolution")
}

// EvolutionHistory returns the newest cycles first.
func (s *Store) EvolutionHistory(ctx context.Context, limit int) ([]evolution.Change, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT at, key, direction, from_value, to_value, verdict, rejected_by, reason, short_json, long_json, comparison_json
FROM evolution_cycles ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query evolution")
	}
	defer rows.Close()
	var out []evolution.Change
	for rows.Next() {
		var (
			c                    evolution.Change
			at                   int64
			direction, verdict   string
			short, long, cmpJSON string
		)
		if err := rows.Scan(&at, &c.Key, &direction, &c.From, &c.To, &verdict, &c.Rejected, &c.Reason, &short, &long, &cmpJSON); err != nil {
			return nil, errors.Wrap(err, "scan evolution")
		}
		c.At = fromNano(at)
		c.Direction = evolution.Direction(direction)
		c.Verdict = evolution.Verdict(verdict)
		if err := json.Unmarshal([]byte(short), &c.Short); err != nil {
			return nil, errors.Wrap(err, "decode short snapshot")
		}
		if err := json.Unmarshal([]byte(long), &c.Long); err != nil {
			return nil, errors.Wrap(err, "decode long snapshot")
		}
		if cmpJSON != "" {
			c.Comparison = &evolution.Comparison{}
			if err := json.Unmarshal([]byte(cmpJSON), c.Comparison); err != nil {
				return nil, errors.Wrap(err, "decode comparison")
			}
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate evolution")
}

// RecordTrade appends a closed round trip.
func (s *Store) RecordTrade(ctx context.Context, t performance.Trade) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO closed_trades (trade_id, symbol, strategy_id, side, quantity, entry_price, exit_price, pnl,
  return_pct, confidence, opened_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.StrategyID, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL,
		t.ReturnPct, t.Confidence, unixNano(t.OpenedAt), unixNano(t.ClosedAt))
	return errors.Wrap(err, "record trade")
}

// ClosedTrades implements performance.TradeSource.
func (s *Store) ClosedTrades(ctx context.Context, since time.Time) ([]performance.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT trade_id, symbol, strategy_id, side, quantity, entry_price, exit_price, pnl, return_pct, confidence,
  opened_at, closed_at
FROM closed_trades WHERE closed_at >= ? ORDER BY closed_at, id`, unixNano(since))
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()
	var out []performance.Trade
	for rows.Next() {
		var (
			t              performance.Trade
			opened, closed int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.StrategyID, &t.Side, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.PnL, &t.ReturnPct, &t.Confidence, &opened, &closed); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		t.OpenedAt, t.ClosedAt = fromNano(opened), fromNano(closed)
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate trades")
}
