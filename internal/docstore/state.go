package docstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var stateBucket = []byte("docstore")

// StateRecord is the persisted reconciliation state for one project.
type StateRecord struct {
	Synced   bool   `json:"synced"`
	Version  int64  `json:"version"`
	Marker   []byte `json:"marker,omitempty"`
	Snapshot []byte `json:"snapshot,omitempty"`
}

// StateFile persists DocStore state between process invocations, keyed by
// project ID. Safe for concurrent use.
type StateFile struct {
	db *bolt.DB
}

// OpenStateFile opens (creating if needed) the state database at path.
func OpenStateFile(path string) (*StateFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state file: %w", err)
	}
	return &StateFile{db: db}, nil
}

// Close closes the state database.
func (f *StateFile) Close() error {
	return f.db.Close()
}

// Load returns the record for projectID, or nil if none has been saved.
func (f *StateFile) Load(projectID string) (*StateRecord, error) {
	var rec *StateRecord
	err := f.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(stateBucket).Get([]byte(projectID))
		if data == nil {
			return nil
		}
		rec = &StateRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Save writes the record for projectID.
func (f *StateFile) Save(projectID string, rec *StateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(projectID), data)
	})
}

// Delete removes the record for projectID.
func (f *StateFile) Delete(projectID string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(projectID))
	})
}
