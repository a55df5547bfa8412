package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a Store backed by SQLite.
//
// Configuration mirrors the consensus state store: WAL mode, NORMAL
// synchronous, 5-second busy timeout, single connection (SQLite supports
// one writer at a time). The upsert in Save is a single statement, which
// gives the atomic-overwrite guarantee for free.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a checkpoint database at path. Idempotent.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect checkpoint store: %w", err)
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
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save atomically writes or overwrites the checkpoint for flowID.
func (s *SQLiteStore) Save(ctx context.Context, flowID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (flow_id, data, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(flow_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, flowID, data)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", flowID, err)
	}
	return nil
}

// Load reads the checkpoint for flowID.
func (s *SQLiteStore) Load(ctx context.Context, flowID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE flow_id = ?`, flowID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("load checkpoint %s: %w", flowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", flowID, err)
	}
	return data, nil
}

// Delete removes the checkpoint for flowID. Idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE flow_id = ?`, flowID,
	); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", flowID, err)
	}
	return nil
}

// LoadAll returns every stored checkpoint ordered by flow id for
// reproducible recovery order.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flow_id, data FROM checkpoints ORDER BY flow_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load all checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.FlowID, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
