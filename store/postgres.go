package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists settlement state in PostgreSQL. Several settlers
// may share one database; CommitDecision relies on the primary key.
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database. Call Migrate to create the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres store requires a database")
	}
	return &PostgresStore{sqlStore{db: db, bind: bindDollar}}, nil
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate postgres store: %w", err)
	}
	return nil
}
