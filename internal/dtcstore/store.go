// Package dtcstore persists the active set of diagnostic trouble codes
// in a bbolt database, deduplicating repeated reports of the same
// SPN/FMI pair and tracking which codes are currently active.
package dtcstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/j1939-gateway/common"
)

const activeBucket = "active_dtcs"

// Store wraps a bbolt database holding the active DTC set.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a bbolt database at path and ensures the
// active-DTC bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("dtcstore: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(activeBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dtcstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(spn uint32, fmi uint8) []byte {
	return []byte(fmt.Sprintf("%d:%d", spn, fmi))
}

// IsNew reports whether spn/fmi has not previously been recorded, and
// if so records rec as the active entry for that code.
func (s *Store) IsNew(rec common.DTCRecord) (bool, error) {
	var isNew bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(activeBucket))
		k := key(rec.SPN, rec.FMI)
		if b.Get(k) != nil {
			isNew = false
			return nil
		}
		isNew = true
		rec.Active = true
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(k, encoded)
	})
	return isNew, err
}

// MarkInactive marks spn/fmi inactive without removing its history,
// leaving Active() to stop reporting it.
func (s *Store) MarkInactive(spn uint32, fmi uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(activeBucket))
		k := key(spn, fmi)
		raw := b.Get(k)
		if raw == nil {
			return nil
		}
		var rec common.DTCRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Active = false
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(k, encoded)
	})
}

// ClearAll removes every recorded DTC, active or not.
func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(activeBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(activeBucket))
		return err
	})
}

// Active returns every DTCRecord currently marked active.
func (s *Store) Active() ([]common.DTCRecord, error) {
	var out []common.DTCRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(activeBucket))
		return b.ForEach(func(_, v []byte) error {
			var rec common.DTCRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Active {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}
