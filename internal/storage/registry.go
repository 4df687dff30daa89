package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// ErrNoModels is returned by Latest when nothing has been registered.
var ErrNoModels = errors.New("no registered models")

// ModelRecord describes one trained classifier file.
type ModelRecord struct {
	Version   string    `json:"version"`
	RunID     string    `json:"run_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	NSamples  int       `json:"n_samples"`
	Classes   []string  `json:"classes"`
	Notes     string    `json:"notes,omitempty"`
}

func recordKey(r ModelRecord) []byte {
	return []byte(fmt.Sprintf("%020d_%s", r.CreatedAt.UnixNano(), r.Version))
}

// Register stores rec, assigning a new version and creation time when unset, and
// returns the stored record.
func (s *Store) Register(rec ModelRecord) (ModelRecord, error) {
	if rec.Version == "" {
		rec.Version = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal model record: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modelsBucket)).Put(recordKey(rec), data)
	})
	return rec, err
}

// Models returns every registered model, oldest first.
func (s *Store) Models() ([]ModelRecord, error) {
	var out []ModelRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modelsBucket)).ForEach(func(_, v []byte) error {
			var rec ModelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal model record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Latest returns the most recently created model.
func (s *Store) Latest() (ModelRecord, error) {
	var rec ModelRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket([]byte(modelsBucket)).Cursor().Last()
		if v == nil {
			return ErrNoModels
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// Model returns the record with the given version.
func (s *Store) Model(version string) (ModelRecord, error) {
	models, err := s.Models()
	if err != nil {
		return ModelRecord{}, err
	}
	for _, m := range models {
		if m.Version == version {
			return m, nil
		}
	}
	return ModelRecord{}, fmt.Errorf("model version %s not found", version)
}
