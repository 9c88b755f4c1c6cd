// Package watermark persists each user's "notifications last viewed" time
// outside the live document store.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store loads and saves watermarks. A user who never viewed notifications
// has the zero time.
type Store interface {
	Load(ctx context.Context, uid string) (time.Time, error)
	Save(ctx context.Context, uid string, t time.Time) error
}

// Open opens the SQLite database at dsn and creates the schema.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the watermark table if needed.
func Migrate(db *sql.DB) error {
	stmt := `CREATE TABLE IF NOT EXISTS notification_watermarks (
		user_id TEXT PRIMARY KEY,
		viewed_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SQLiteStore keeps watermarks as epoch milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Load(ctx context.Context, uid string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT viewed_at FROM notification_watermarks WHERE user_id = ?`, uid).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Save stores t unless an equal or later watermark is already present.
func (s *SQLiteStore) Save(ctx context.Context, uid string, t time.Time) error {
	query := `
		INSERT INTO notification_watermarks (user_id, viewed_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET viewed_at = MAX(viewed_at, excluded.viewed_at)
	`
	if _, err := s.db.ExecContext(ctx, query, uid, t.UnixMilli()); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{m: map[string]time.Time{}}
}

func (s *Memory) Load(_ context.Context, uid string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[uid], nil
}

func (s *Memory) Save(_ context.Context, uid string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.m[uid]) {
		s.m[uid] = t.UTC().Truncate(time.Millisecond)
	}
	return nil
}
