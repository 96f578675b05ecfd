// Package sqlite implements the record store over a SQLite database.
// It is the single persistence backend: captured traffic, sessions,
// users, stats and configuration all live in one file with WAL enabled.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// Config holds SQLite backend configuration.
type Config struct {
	// Path is the database file path. Parent directories are created.
	Path string
	// MaxOpenConns caps the connection pool (default 10).
	MaxOpenConns int
	// BusyTimeout is how long a writer waits on a locked database
	// (default 5s).
	BusyTimeout time.Duration
}

// DefaultConfig returns the default SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Path:         "./data/proxy.db",
		MaxOpenConns: 10,
		BusyTimeout:  5 * time.Second,
	}
}

// Store is the SQLite-backed record store. It implements record.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ record.Store = (*Store)(nil)

// New opens (creating if needed) the database at cfg.Path, enables WAL,
// and applies the schema.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg = DefaultConfig()
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &Store{db: db, logger: logger}
	if err := s.initialize(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("record store opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) initialize(cfg Config) error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", SchemaVersion,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("schema version mismatch: have %d, want %d", version, SchemaVersion)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// millis and fromMillis convert between time.Time and the stored unix
// millisecond representation.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// marshalJSON renders v as a JSON TEXT column value, defaulting to
// the given empty literal.
func marshalJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(b)
}

func unmarshalStringMap(raw string) map[string]string {
	out := make(map[string]string)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func unmarshalHeaderMap(raw string) map[string][]string {
	out := make(map[string][]string)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func unmarshalStringList(raw string) []string {
	var out []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}
