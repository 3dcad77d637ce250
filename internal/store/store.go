// Package store provides the agent's persistent state: the application
// user -> Linux user mapping and the managed SSH key records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// linuxUserMappingKey is the system_config key holding the JSON object
// that maps application user keys (email, preferably) to Linux usernames.
const linuxUserMappingKey = "linux_user_mapping"

// ManagedKey is a centrally stored SSH key usable for workspace clones.
// EncryptedPrivateKey empty means no managed key material is stored; it
// never means "use an empty key". Path, when set, points at a plain key
// file on disk used as a fallback credential source.
type ManagedKey struct {
	ID                  string
	Name                string
	EncryptedPrivateKey []byte
	Path                string
	CreatedAt           time.Time
}

// Store manages the agent database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (creating if needed) the agent database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "agent.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// migrate creates or updates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS ssh_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		encrypted_private_key BLOB,
		key_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LinuxUserMapping loads the persisted user mapping. An absent record is
// an empty map, not an error.
func (s *Store) LinuxUserMapping(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM system_config WHERE key = ?", linuxUserMappingKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", linuxUserMappingKey, err)
	}

	mapping := map[string]string{}
	if err := json.Unmarshal([]byte(value), &mapping); err != nil {
		return nil, fmt.Errorf("decode %s: %w", linuxUserMappingKey, err)
	}
	return mapping, nil
}

// SaveLinuxUserMapping replaces the persisted user mapping.
func (s *Store) SaveLinuxUserMapping(ctx context.Context, mapping map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode %s: %w", linuxUserMappingKey, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		linuxUserMappingKey, string(value),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", linuxUserMappingKey, err)
	}
	return nil
}

// SetMapping adds or updates a single mapping entry.
func (s *Store) SetMapping(ctx context.Context, appUserKey, linuxUser string) error {
	mapping, err := s.LinuxUserMapping(ctx)
	if err != nil {
		return err
	}
	mapping[appUserKey] = linuxUser
	return s.SaveLinuxUserMapping(ctx, mapping)
}

// DeleteMapping removes a single mapping entry.
func (s *Store) DeleteMapping(ctx context.Context, appUserKey string) error {
	mapping, err := s.LinuxUserMapping(ctx)
	if err != nil {
		return err
	}
	delete(mapping, appUserKey)
	return s.SaveLinuxUserMapping(ctx, mapping)
}

// SaveKey stores a managed key record and returns its generated ID.
func (s *Store) SaveKey(ctx context.Context, name string, encrypted []byte, keyPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.Make().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ssh_keys (id, name, encrypted_private_key, key_path) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET encrypted_private_key = excluded.encrypted_private_key, key_path = excluded.key_path`,
		id, name, encrypted, keyPath,
	)
	if err != nil {
		return "", fmt.Errorf("save ssh key %q: %w", name, err)
	}
	return id, nil
}

// KeyByName returns a managed key record, or nil when no key with that
// name exists.
func (s *Store) KeyByName(ctx context.Context, name string) (*ManagedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := &ManagedKey{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, encrypted_private_key, key_path, created_at FROM ssh_keys WHERE name = ?", name,
	).Scan(&k.ID, &k.Name, &k.EncryptedPrivateKey, &k.Path, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ssh key %q: %w", name, err)
	}
	return k, nil
}

// ListKeys returns all managed key records ordered by name. Encrypted
// material is included; callers must not log it.
func (s *Store) ListKeys(ctx context.Context) ([]*ManagedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, encrypted_private_key, key_path, created_at FROM ssh_keys ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list ssh keys: %w", err)
	}
	defer rows.Close()

	var keys []*ManagedKey
	for rows.Next() {
		k := &ManagedKey{}
		if err := rows.Scan(&k.ID, &k.Name, &k.EncryptedPrivateKey, &k.Path, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ssh key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKey removes a managed key record by name.
func (s *Store) DeleteKey(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM ssh_keys WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete ssh key %q: %w", name, err)
	}
	return nil
}
