package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps the small amount of state that must survive restarts:
// the last ledger block delivered to the matching worker.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// LoadCheckpoint returns the last delivered block for contract.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context, contract string) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT block FROM ledger_checkpoints WHERE contract = $1`,
		contract,
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint for %s: %w", contract, err)
	}
	return uint64(block), true, nil
}

// SaveCheckpoint records block for contract. The stored value never moves backwards.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, contract string, block uint64) error {
	query := `
		INSERT INTO ledger_checkpoints (contract, block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (contract) DO UPDATE
		SET block = GREATEST(ledger_checkpoints.block, EXCLUDED.block), updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, contract, int64(block)); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", contract, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetDB() *sql.DB {
	return s.db
}
