// Package store provides SettlementStore implementations.
//
// Every backend guarantees that CommitDecision is insert-if-absent: when two
// settlers race to decide the same order, exactly one creates the decision
// and both get the same stored value back.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	orderpay "github.com/x402-foundation/orderpay"
)

// Store is a SettlementStore holding resources that must be released
type Store interface {
	orderpay.SettlementStore
	Close() error
}

// Open creates the store selected by driver. dsn is a file path for sqlite,
// a connection string for postgres and a redis:// URL for redis.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One writer keeps CommitDecision serialized within the process
		db.SetMaxOpenConns(1)
		s, err := NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		s, err := NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := s.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedisStoreFromURL(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func copyAttempt(a *orderpay.Attempt) *orderpay.Attempt {
	cp := *a
	return &cp
}

func copyDecision(d *orderpay.SettlementDecision) *orderpay.SettlementDecision {
	cp := *d
	if d.Amount != nil {
		cp.Amount = new(big.Int).Set(d.Amount)
	}
	return &cp
}

func encodeAttempt(a *orderpay.Attempt) (string, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode attempt: %w", err)
	}
	return string(body), nil
}

func decodeAttempt(body string) (*orderpay.Attempt, error) {
	var a orderpay.Attempt
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("failed to decode attempt: %w", err)
	}
	return &a, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", s)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}
