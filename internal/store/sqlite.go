package store

import (
	"database/sql"
	"fmt"
)

// Store wraps the local sqlite database holding token state and the
// fetch-run audit log. It is the only durable state the engine owns;
// everything else lives on the remote service.
type Store struct {
	db        *sql.DB
	keyPrefix string
}

// New creates a Store. keyPrefix namespaces kv entries so test and
// production environments sharing a database file do not collide.
func New(db *sql.DB, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "metricsync"
	}
	return &Store{db: db, keyPrefix: keyPrefix}
}

func (s *Store) key(name string) string {
	return s.keyPrefix + ":" + name
}

// GetValue returns the kv entry for name under the store's prefix.
// Missing entries are reported via ok=false, not an error.
func (s *Store) GetValue(name string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, s.key(name)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", name, err)
	}
	return value, true, nil
}

// SetValues upserts multiple kv entries in one transaction.
func (s *Store) SetValues(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for name, value := range values {
		if _, err := tx.Exec(`
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, s.key(name), value); err != nil {
			tx.Rollback()
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// DeleteValues removes kv entries in one transaction.
func (s *Store) DeleteValues(names ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, name := range names {
		if _, err := tx.Exec(`DELETE FROM kv_store WHERE key = ?`, s.key(name)); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return tx.Commit()
}
