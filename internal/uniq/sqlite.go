package uniq

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteState is a durable StateStore backed by SQLite. It is the state of
// record for the Single backend, where there is no replication to fall back
// on after a restart.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - a single connection (SQLite supports one writer at a time)
type SQLiteState struct {
	db *sql.DB
}

// OpenSQLiteState creates or opens the consensus state database at path.
// Idempotent: safe to call against an existing database.
func OpenSQLiteState(path string) (*SQLiteState, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open consensus state: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect consensus state: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply consensus state schema: %w", err)
	}

	return &SQLiteState{db: db}, nil
}

// Owner returns the transaction bound to ref, if any.
func (s *SQLiteState) Owner(ctx context.Context, ref Ref) (TxID, bool, error) {
	var tx string
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_id FROM consumed_refs WHERE ref = ?`, string(ref),
	).Scan(&tx)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read owner of %s: %w", ref, err)
	}
	return TxID(tx), true, nil
}

// PutAll binds every ref to tx in a single transaction.
//
// Write-once is enforced by INSERT ... ON CONFLICT(ref) DO NOTHING followed
// by a read-back: if any ref ends up owned by a different transaction the
// whole database transaction rolls back and *ConsumedError is returned.
func (s *SQLiteState) PutAll(ctx context.Context, tx TxID, refs []Ref) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put refs: begin tx: %w", err)
	}
	defer dbtx.Rollback() // No-op if committed

	for _, ref := range refs {
		if _, err := dbtx.ExecContext(ctx, `
			INSERT INTO consumed_refs (ref, tx_id) VALUES (?, ?)
			ON CONFLICT(ref) DO NOTHING
		`, string(ref), string(tx)); err != nil {
			return fmt.Errorf("bind %s: %w", ref, err)
		}

		var owner string
		if err := dbtx.QueryRowContext(ctx,
			`SELECT tx_id FROM consumed_refs WHERE ref = ?`, string(ref),
		).Scan(&owner); err != nil {
			return fmt.Errorf("read back %s: %w", ref, err)
		}
		if TxID(owner) != tx {
			return &ConsumedError{Ref: ref, By: TxID(owner)}
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("put refs: commit: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteState) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
