package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a file-backed coordination store. It is meant for
// self-hosted deployments where both peers can reach the same database
// (shared volume or a single-host simulation); the conditional-write
// semantics match the remote backends exactly.
type SQLiteStore struct {
	db *sql.DB

	subMu sync.Mutex
	subs  map[Kind][]chan struct{}
}

// NewSQLiteStore opens (and if needed initializes) a store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL and a generous busy timeout keep concurrent host/client
	// processes from tripping over the write lock.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		subs: make(map[Kind][]chan struct{}),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind       TEXT NOT NULL,
		id         TEXT NOT NULL,
		owner_id   TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL,
		body       BLOB,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Publish(ctx context.Context, rec *Record) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, owner_id, version, body, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		string(rec.Kind), rec.ID, rec.OwnerID, rec.Body, now)
	if err != nil {
		if isConstraintErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to publish record: %w", err)
	}
	rec.Version = 1
	rec.UpdatedAt = now
	s.notify(rec.Kind)
	return nil
}

func (s *SQLiteStore) Swap(ctx context.Context, rec *Record) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET owner_id = ?, version = version + 1, body = ?, updated_at = ?
		 WHERE kind = ? AND id = ? AND version = ?`,
		rec.OwnerID, rec.Body, now, string(rec.Kind), rec.ID, rec.Version)
	if err != nil {
		return fmt.Errorf("failed to swap record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost version race from a missing record.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM records WHERE kind = ? AND id = ?`,
			string(rec.Kind), rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrConflict
	}
	rec.Version++
	rec.UpdatedAt = now
	s.notify(rec.Kind)
	return nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, kind Kind, id string) (*Record, error) {
	rec := &Record{Kind: kind, ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, version, body, updated_at FROM records WHERE kind = ? AND id = ?`,
		string(kind), id).Scan(&rec.OwnerID, &rec.Version, &rec.Body, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Query(ctx context.Context, kind Kind, pred Predicate) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, version, body, updated_at FROM records WHERE kind = ?`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{Kind: kind}
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Version, &rec.Body, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWhere(ctx context.Context, kind Kind, pred Predicate) (int, error) {
	matches, err := s.Query(ctx, kind, pred)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range matches {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE kind = ? AND id = ? AND version = ?`,
			string(kind), rec.ID, rec.Version)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete record: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}
	if deleted > 0 {
		s.notify(kind)
	}
	return deleted, nil
}

// Subscribe only observes writes made through this process; cross-process
// consumers rely on the polling fallback, which the contract requires
// anyway.
func (s *SQLiteStore) Subscribe(kind Kind) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[kind] = append(s.subs[kind], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[kind]
		for i, c := range list {
			if c == ch {
				s.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (s *SQLiteStore) notify(kind Kind) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[kind] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
