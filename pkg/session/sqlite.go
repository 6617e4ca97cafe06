package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/switchboard/pkg/clock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_memories_expiry ON memories(expires_at);
`

// SQLiteStore persists records in a SQLite database file shared by every
// process on the host. Expiry is stored as unix milliseconds, 0 meaning never.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string, c clock.Clock) (*SQLiteStore, error) {
	if c == nil {
		c = clock.New()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite session store opened")

	return &SQLiteStore{db: db, clock: c}, nil
}

func (s *SQLiteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) load(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, table, id string, out interface{}) error {
	var data string
	var expiresAt int64
	err := q.QueryRowContext(ctx, "SELECT data, expires_at FROM "+table+" WHERE id = ?", id).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s record: %w", table, err)
	}
	if expiresAt != 0 && s.clock.Now().UnixMilli() >= expiresAt {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to decode %s record: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) put(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, table, id string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", table, err)
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO "+table+" (id, data, expires_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at",
		id, string(data), s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", table, err)
	}
	return nil
}

// GetSession returns the routing record
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.load(ctx, s.db, "sessions", id, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession replaces the routing record
func (s *SQLiteStore) SaveSession(ctx context.Context, sess Session, ttl time.Duration) error {
	return s.put(ctx, s.db, "sessions", sess.ID, sess, ttl)
}

// DeleteSession removes the routing record
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetMemory returns the shared memory record
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	var mem Memory
	if err := s.load(ctx, s.db, "memories", id, &mem); err != nil {
		return nil, err
	}
	return &mem, nil
}

// SaveMemory replaces the whole memory record
func (s *SQLiteStore) SaveMemory(ctx context.Context, id string, m Memory, ttl time.Duration) error {
	return s.put(ctx, s.db, "memories", id, m, ttl)
}

// MergeMemory reads, patches and writes the record inside one immediate
// transaction so concurrent writers from other processes serialize.
func (s *SQLiteStore) MergeMemory(ctx context.Context, id string, patch MemoryPatch, ttl time.Duration) (Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback()

	var current Memory
	if err := s.load(ctx, tx, "memories", id, &current); err != nil && !errors.Is(err, ErrNotFound) {
		return Memory{}, err
	}

	merged := current.Apply(patch, s.clock.Now())
	if err := s.put(ctx, tx, "memories", id, merged, ttl); err != nil {
		return Memory{}, err
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, fmt.Errorf("failed to commit merge: %w", err)
	}
	return merged, nil
}

// DeleteMemory removes the memory record
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

// Sweep drops expired rows from both tables
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	removed := 0
	for _, table := range []string{"sessions", "memories"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at != 0 AND expires_at <= ?", now)
		if err != nil {
			return removed, fmt.Errorf("failed to sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
