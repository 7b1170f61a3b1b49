package store

import (
	"database/sql"
	"fmt"
)

// KV is the durable key-value surface the coordinator snapshots its
// state into. Store implements it over SQLite; tests substitute an
// in-memory map.
type KV interface {
	// Get returns the value stored under key, or nil when absent.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys returns every stored key with the given prefix, oldest first.
	Keys(prefix string) ([]string, error)
}

// Get returns the value stored under key, or nil when the key is
// absent.
func (s *Store) Get(key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (k, v, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(k) DO UPDATE SET
			v = excluded.v,
			updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns every stored key with the given prefix, oldest first.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT k FROM kv WHERE k LIKE ? || '%' ORDER BY updated_at, k`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
