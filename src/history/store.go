package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/Moth-Balls/Hydro-Assist/src/report"
)

// DefaultMaxEntries bounds the history when no limit is configured.
const DefaultMaxEntries = 1000

var bucket = []byte("history")

var ErrInvalidLimit = errors.New("history limit must be positive")

// Store is a bounded, append-only history of snapshots kept in a bolt file.
// Once full, the oldest entry is dropped for every new one.
type Store struct {
	db  *bolt.DB
	max int

	mu    sync.Mutex
	count int
}

func Open(path string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, maxEntries)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	s := &Store{db: db, max: maxEntries}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		s.count = b.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare history %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"PATH":    path,
		"ENTRIES": s.count,
	}).Debug("opened history")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores snap and evicts the oldest entries above the limit.
func (s *Store) Append(snap report.Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(key(seq), value); err != nil {
			return err
		}
		count := s.count + 1

		c := b.Cursor()
		for k, _ := c.First(); k != nil && count > s.max; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			count--
		}
		s.count = count
		return nil
	})
}

// List returns the entries oldest first.
func (s *Store) List() ([]report.Snapshot, error) {
	var out []report.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var snap report.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Clear drops every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucket); err != nil {
			return err
		}
		s.count = 0
		return nil
	})
}

// Publish records the estimates of a cycle. Cycles without any quantity are skipped.
func (s *Store) Publish(c report.Cycle) error {
	if len(c.Quantities) == 0 {
		return nil
	}
	return s.Append(c.Snapshot())
}

func key(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
