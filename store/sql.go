package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	orderpay "github.com/x402-foundation/orderpay"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlement_attempts (
	order_id TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	state TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_attempts_state ON settlement_attempts (state);
CREATE TABLE IF NOT EXISTS settlement_decisions (
	order_id TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	tx_hash TEXT NOT NULL,
	payer TEXT NOT NULL,
	amount TEXT NOT NULL,
	decided_at TEXT NOT NULL,
	notified BOOLEAN NOT NULL DEFAULT FALSE
);`

const (
	querySaveAttempt = `INSERT INTO settlement_attempts (order_id, attempt_id, state, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			attempt_id = EXCLUDED.attempt_id,
			state = EXCLUDED.state,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`

	queryLoadAttempt = `SELECT body FROM settlement_attempts WHERE order_id = ?`

	queryActiveAttempts = `SELECT body FROM settlement_attempts WHERE state NOT IN ('paid', 'rejected', 'cancelled') ORDER BY updated_at`

	queryInsertDecision = `INSERT INTO settlement_decisions (order_id, outcome, reason, tx_hash, payer, amount, decided_at, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
		ON CONFLICT (order_id) DO NOTHING`

	queryDecision = `SELECT order_id, outcome, reason, tx_hash, payer, amount, decided_at FROM settlement_decisions WHERE order_id = ?`

	queryMarkNotified = `UPDATE settlement_decisions SET notified = TRUE WHERE order_id = ?`

	queryPendingNotifications = `SELECT order_id, outcome, reason, tx_hash, payer, amount, decided_at FROM settlement_decisions WHERE notified = FALSE ORDER BY decided_at`
)

// sqlStore implements the SettlementStore queries shared by SQLite and
// PostgreSQL. bind rewrites ? placeholders for the dialect.
type sqlStore struct {
	db   *sql.DB
	bind func(string) string
}

func (s *sqlStore) SaveAttempt(ctx context.Context, attempt *orderpay.Attempt) error {
	body, err := encodeAttempt(attempt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(querySaveAttempt),
		string(attempt.OrderID), attempt.ID, string(attempt.State), body, formatTime(attempt.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist attempt: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadAttempt(ctx context.Context, orderID orderpay.OrderID) (*orderpay.Attempt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.bind(queryLoadAttempt), string(orderID)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}
	return decodeAttempt(body)
}

func (s *sqlStore) ActiveAttempts(ctx context.Context) ([]*orderpay.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(queryActiveAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*orderpay.Attempt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		a, err := decodeAttempt(body)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (s *sqlStore) CommitDecision(ctx context.Context, d *orderpay.SettlementDecision) (*orderpay.SettlementDecision, bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(queryInsertDecision),
		string(d.OrderID), string(d.Outcome), string(d.Reason), d.TxHash, d.Payer, formatAmount(d.Amount), formatTime(d.DecidedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	stored, err := s.Decision(ctx, d.OrderID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *sqlStore) Decision(ctx context.Context, orderID orderpay.OrderID) (*orderpay.SettlementDecision, error) {
	row := s.db.QueryRowContext(ctx, s.bind(queryDecision), string(orderID))
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}
	return d, nil
}

func (s *sqlStore) MarkNotified(ctx context.Context, orderID orderpay.OrderID) error {
	res, err := s.db.ExecContext(ctx, s.bind(queryMarkNotified), string(orderID))
	if err != nil {
		return fmt.Errorf("failed to mark notified: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return orderpay.ErrNotFound.WithOrder(orderID)
	}
	return nil
}

func (s *sqlStore) PendingNotifications(ctx context.Context) ([]*orderpay.SettlementDecision, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(queryPendingNotifications))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*orderpay.SettlementDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (*orderpay.SettlementDecision, error) {
	var (
		orderID   string
		outcome   string
		reason    string
		txHash    string
		payer     string
		amount    string
		decidedAt string
	)
	if err := row.Scan(&orderID, &outcome, &reason, &txHash, &payer, &amount, &decidedAt); err != nil {
		return nil, err
	}

	value, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	at, err := parseTime(decidedAt)
	if err != nil {
		return nil, err
	}
	return &orderpay.SettlementDecision{
		OrderID:   orderpay.OrderID(orderID),
		Outcome:   orderpay.Outcome(outcome),
		Reason:    orderpay.Reason(reason),
		TxHash:    txHash,
		Payer:     payer,
		Amount:    value,
		DecidedAt: at,
	}, nil
}

// bindQuestion leaves ? placeholders as they are
func bindQuestion(q string) string {
	return q
}

// bindDollar rewrites ? placeholders to $1, $2, ...
func bindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
