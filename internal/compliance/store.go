package compliance

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the append-only sqlite backing for the audit trail. It doubles
// as the session's sequence persistence so counters survive a reconnect
// within the trading day. Audit rows are never updated or deleted.
type Store struct {
	db *sql.DB
}

// OpenStore creates or opens the database at path and runs migrations.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			msg_type TEXT NOT NULL,
			seq_num INTEGER NOT NULL,
			fields TEXT NOT NULL,
			recorded_unix_nanos INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_session
			ON audit_records(session_id, recorded_unix_nanos)`,
		`CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT PRIMARY KEY,
			next_out INTEGER NOT NULL,
			expected_in INTEGER NOT NULL,
			updated_unix_millis INTEGER NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// AppendBatch inserts a batch of audit records in one transaction.
func (s *Store) AppendBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_records (id, session_id, direction, msg_type, seq_num, fields, recorded_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.SessionID, rec.Direction, rec.MsgType,
			int64(rec.SeqNum), rec.Fields, rec.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert audit record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// QueryBySession returns the most recent records for a session, newest
// first.
func (s *Store) QueryBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, direction, msg_type, seq_num, fields, recorded_unix_nanos
		 FROM audit_records
		 WHERE session_id = ?
		 ORDER BY recorded_unix_nanos DESC
		 LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var seq int64
		var nanos int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Direction, &rec.MsgType, &seq, &rec.Fields, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.SeqNum = uint64(seq)
		rec.Timestamp = time.Unix(0, nanos).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of audit records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}

// LoadSequence implements session.SeqStore.
func (s *Store) LoadSequence(sessionID string) (uint64, uint64, bool, error) {
	var nextOut, expectedIn int64
	err := s.db.QueryRow(
		`SELECT next_out, expected_in FROM session_state WHERE session_id = ?`,
		sessionID,
	).Scan(&nextOut, &expectedIn)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to load session state: %w", err)
	}
	return uint64(nextOut), uint64(expectedIn), true, nil
}

// SaveSequence implements session.SeqStore.
func (s *Store) SaveSequence(sessionID string, nextOut, expectedIn uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO session_state (session_id, next_out, expected_in, updated_unix_millis)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			next_out = excluded.next_out,
			expected_in = excluded.expected_in,
			updated_unix_millis = excluded.updated_unix_millis`,
		sessionID, int64(nextOut), int64(expectedIn), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
