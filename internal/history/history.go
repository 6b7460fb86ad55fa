// Package history is the fired-timer audit log.
//
// Every timer that reaches its deadline is appended here so operators can
// answer "did it fire, and when" after the fact. The log is bounded (oldest
// records are trimmed past a configured cap) and is pure observability: it
// is never replayed into the engine; pending timers still die with the
// process.
//
// bbolt backs the log because it is pure Go, ACID, and a single file —
// records written before a crash are always readable after it. Keys are the
// timer ULIDs, which sort by creation time, so a reverse cursor scan yields
// newest-first without a secondary index.
package history

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/chronoq/internal/timer"
)

var bucketFired = []byte("fired")

// Store is the bbolt-backed fired-timer log.
// All methods are safe for concurrent use.
type Store struct {
	db  *bbolt.DB
	max int // record cap; 0 = unbounded

	mu    sync.Mutex
	count int
}

// Open opens (or creates) the history database at path. maxRecords caps the
// log size; once exceeded, Append trims the oldest records.
func Open(path string, maxRecords int) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	s := &Store{db: db, max: maxRecords}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketFired)
		if err != nil {
			return err
		}
		// Recount on open; the in-memory counter drives trimming.
		return b.ForEach(func(_, _ []byte) error {
			s.count++
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init: %w", err)
	}
	return s, nil
}

// Append records one fired timer, trimming the oldest records when the cap
// is exceeded.
func (s *Store) Append(rec *timer.Fired) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("history: record must carry a timer with an ID")
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	over := 0
	if s.max > 0 && s.count+1 > s.max {
		over = s.count + 1 - s.max
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFired)
		if err := b.Put([]byte(rec.ID), val); err != nil {
			return err
		}
		// ULID keys sort oldest-first, so trimming walks from the front.
		c := b.Cursor()
		for i := 0; i < over; i++ {
			k, _ := c.First()
			if k == nil {
				over = i
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append %s: %w", rec.ID, err)
	}

	s.count = s.count + 1 - over
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]*timer.Fired, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []*timer.Fired
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFired).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec timer.Fired
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("history: parse record %s: %w", k, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of records currently retained.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
