package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

var (
	// Bucket names
	bucketSyncState = []byte("target_sync_state")
)

// Store persists per-target sync metadata (fingerprint, version, last
// synced time) across restarts so that polls after a restart can still
// short-circuit unchanged targets.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the agent state database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "agent.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSyncState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// certKey/secretKey namespace the two target kinds in one bucket
func certKey(name string) []byte   { return []byte("cert/" + name) }
func secretKey(name string) []byte { return []byte("secret/" + name) }

// PutCertState stores sync metadata for a certificate target.
func (s *Store) PutCertState(name string, state types.SyncState) error {
	return s.put(certKey(name), state)
}

// GetCertState loads sync metadata for a certificate target. A missing
// entry returns a zero state, not an error.
func (s *Store) GetCertState(name string) (types.SyncState, error) {
	return s.get(certKey(name))
}

// PutSecretState stores sync metadata for a secret target.
func (s *Store) PutSecretState(name string, state types.SyncState) error {
	return s.put(secretKey(name), state)
}

// GetSecretState loads sync metadata for a secret target.
func (s *Store) GetSecretState(name string) (types.SyncState, error) {
	return s.get(secretKey(name))
}

// DeleteTargetState removes all state for a target name.
func (s *Store) DeleteTargetState(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		if err := b.Delete(certKey(name)); err != nil {
			return err
		}
		return b.Delete(secretKey(name))
	})
}

func (s *Store) put(key []byte, state types.SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) get(key []byte) (types.SyncState, error) {
	var state types.SyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	return state, err
}
