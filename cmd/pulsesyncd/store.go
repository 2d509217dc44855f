package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const phaseShiftKey = "phase_shift_ms"

// ConfigStore persists per-node calibration in a small SQLite key/value
// table. The daemon goroutine is the only writer, so no additional locking
// is needed beyond the database itself.
type ConfigStore struct {
	db   *sql.DB
	path string
}

// OpenConfigStore opens (creating if needed) the config database at path.
func OpenConfigStore(path string) (*ConfigStore, error) {
	if path == "" {
		return nil, errors.New("config store path is empty")
	}

	cleanPath := filepath.Clean(ExpandPath(path))
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open config db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping config db: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init config schema: %w", err)
	}

	return &ConfigStore{db: db, path: cleanPath}, nil
}

// Close closes the underlying database.
func (s *ConfigStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadPhaseShift returns the persisted phase shift, or def when the key is
// absent or unreadable.
func (s *ConfigStore) LoadPhaseShift(def int) (int, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_config WHERE key = ?`, phaseShiftKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("load phase shift: %w", err)
	}

	ms, convErr := strconv.Atoi(value)
	if convErr != nil {
		return def, nil
	}
	return ms, nil
}

// SavePhaseShift upserts the phase shift value.
func (s *ConfigStore) SavePhaseShift(ms int) error {
	const upsert = `
		INSERT INTO app_config(key, value, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
	updatedAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if _, err := s.db.Exec(upsert, phaseShiftKey, strconv.Itoa(ms), updatedAt); err != nil {
		return fmt.Errorf("save phase shift: %w", err)
	}
	return nil
}
