package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketSettings  = []byte("settings")
)

// BoltStore is the durable Store backed by BoltDB. Every snapshot-key
// maps to a single value in bucketSnapshots holding the JSON-encoded
// Snapshot. bbolt's db.Update already serializes writers, so Mutate's
// row lock is bbolt's own write transaction plus an in-process mutex
// that also orders Read against Mutate.
type BoltStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures the
// required buckets exist.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Read(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(key)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStore) Mutate(key string, fn Mutator) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(key)
	if err != nil {
		return nil, err
	}
	working := current.clone()

	result, fnErr := fn(working)
	if fnErr != nil {
		// Rollback: nothing is written to bbolt.
		return nil, fnErr
	}

	working.Version = current.Version + 1
	data, err := json.Marshal(working)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), data)
	})
	if err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	return result, nil
}

// load reads and decodes the snapshot at key, returning a fresh empty
// snapshot if none exists yet.
func (s *BoltStore) load(key string) (*Snapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if data == nil {
		return NewSnapshot(), nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSetting persists a single runtime setting outside the tenant
// snapshot (e.g. the maintenance sweep cron expression) in its own
// single-key-blob bucket.
func (s *BoltStore) SaveSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting returns a previously saved runtime setting, or "" if unset.
func (s *BoltStore) LoadSetting(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}
