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

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/dustpan/internal/model"
)

// Store persists per-chain session records. One row per chain; the session
// key is stored alongside the record so handles can be reconstructed after a
// restart.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS sessions (chain_id INTEGER PRIMARY KEY, key_hex TEXT NOT NULL, payload BLOB NOT NULL, updated_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init session schema: %w", err)
		}
	}

	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the chain's session record. At most one row per chain.
func (s *Store) Save(chainID int64, keyHex string, data model.SessionData) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock session store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock session store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (chain_id, key_hex, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET
			key_hex=excluded.key_hex,
			payload=excluded.payload,
			updated_at=excluded.updated_at
	`, chainID, keyHex, payload, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Get returns the chain's session if one exists and is still usable.
// Expired or disabled rows read as absent.
func (s *Store) Get(chainID int64) (keyHex string, data model.SessionData, ok bool, err error) {
	var payload []byte
	err = s.db.QueryRow("SELECT key_hex, payload FROM sessions WHERE chain_id = ?", chainID).Scan(&keyHex, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", model.SessionData{}, false, nil
		}
		return "", model.SessionData{}, false, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return "", model.SessionData{}, false, fmt.Errorf("decode session: %w", err)
	}
	if !data.Usable(time.Now()) {
		return "", model.SessionData{}, false, nil
	}
	return keyHex, data, true, nil
}

// List returns every stored record, usable or not, for status display.
func (s *Store) List() ([]model.SessionData, error) {
	rows, err := s.db.Query("SELECT payload FROM sessions ORDER BY chain_id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.SessionData
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var data model.SessionData
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *Store) Delete(chainID int64) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock session store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock session store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	if _, err := s.db.Exec("DELETE FROM sessions WHERE chain_id = ?", chainID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Prune removes expired rows.
func (s *Store) Prune() error {
	rows, err := s.db.Query("SELECT chain_id, payload FROM sessions")
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var chainID int64
		var payload []byte
		if err := rows.Scan(&chainID, &payload); err != nil {
			_ = rows.Close()
			return fmt.Errorf("prune sessions: %w", err)
		}
		var data model.SessionData
		if err := json.Unmarshal(payload, &data); err != nil || !data.Usable(time.Now()) {
			stale = append(stale, chainID)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, chainID := range stale {
		if err := s.Delete(chainID); err != nil {
			return err
		}
	}
	return nil
}
