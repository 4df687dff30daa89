// Package storage provides persistent storage for fitted classifier state. It
// uses BoltDB as the underlying storage engine to hold a content-addressed cache
// of fitted pipeline steps and a registry of trained model files.
//
// The store is safe for concurrent use: reads run in parallel and writes are
// serialised by BoltDB.
package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	stepsBucket  = "steps"  // Nested per-namespace buckets of gob-encoded fitted steps
	modelsBucket = "models" // JSON model records keyed by creation time and version
)

// Store is a BoltDB-backed step cache and model registry.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if needed) cuppa.db in dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "cuppa.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(stepsBucket)); err != nil {
			return fmt.Errorf("create steps bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(modelsBucket)); err != nil {
			return fmt.Errorf("create models bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Load decodes the step stored under namespace/key into into and reports whether
// the entry existed.
func (s *Store) Load(namespace, key string, into any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		ns := tx.Bucket([]byte(stepsBucket)).Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		data := ns.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(into); err != nil {
			return fmt.Errorf("decode step %s/%s: %w", namespace, key, err)
		}
		return nil
	})
	return found, err
}

// Save stores a fitted step under namespace/key, replacing any previous entry.
func (s *Store) Save(namespace, key string, from any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(from); err != nil {
		return fmt.Errorf("encode step %s/%s: %w", namespace, key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ns, err := tx.Bucket([]byte(stepsBucket)).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("create namespace bucket %s: %w", namespace, err)
		}
		return ns.Put([]byte(key), buf.Bytes())
	})
}

// Keys lists the cached step keys of a namespace in key order.
func (s *Store) Keys(namespace string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		ns := tx.Bucket([]byte(stepsBucket)).Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		return ns.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Purge drops every cached step of a namespace.
func (s *Store) Purge(namespace string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(stepsBucket)).DeleteBucket([]byte(namespace))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
