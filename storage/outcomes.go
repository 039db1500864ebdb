// Package storage durably records remediation outcomes. The log is
// append-only: entries are never rewritten, preserving audit history.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/wakimworks/bucketwarden/types"
)

// Bucket names in bbolt
var (
	bucketOutcomes = []byte("outcomes") // resourceID|nanots -> outcome
	bucketByTime   = []byte("bytime")   // nanots|resourceID -> outcome key
	bucketMeta     = []byte("meta")
)

// latestState tracks the most recent outcome per resource in the index
type latestState struct {
	ResourceID string
	Outcome    types.RemediationOutcome
}

// OutcomeStore is the durable, append-only outcome log with a
// secondary time index and an in-memory latest-outcome index.
type OutcomeStore struct {
	mu sync.RWMutex

	// In-memory index for fast latest-outcome lookups
	index *btree.BTreeG[*latestState]

	// On-disk storage
	db *bbolt.DB

	// Guards against same-nanosecond key collisions
	lastNano int64

	dir string
}

// NewOutcomeStore opens or creates the outcome store in dir
func NewOutcomeStore(dir string) (*OutcomeStore, error) {
	dbPath := filepath.Join(dir, "bucketwarden.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutcomes, bucketByTime, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &OutcomeStore{
		index: btree.NewG[*latestState](32, func(a, b *latestState) bool {
			return a.ResourceID < b.ResourceID
		}),
		db:  db,
		dir: dir,
	}

	if err := store.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the store
func (s *OutcomeStore) Close() error {
	return s.db.Close()
}

// Append durably records one outcome. Never mutates existing entries.
func (s *OutcomeStore) Append(ctx context.Context, outcome types.RemediationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}

	nano := outcome.RecordedAt.UnixNano()
	if nano <= s.lastNano {
		nano = s.lastNano + 1
	}
	s.lastNano = nano

	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	outcomeKey := makeOutcomeKey(outcome.ResourceID, nano)
	timeKey := makeTimeKey(nano, outcome.ResourceID)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOutcomes).Put(outcomeKey, value); err != nil {
			return err
		}
		return tx.Bucket(bucketByTime).Put(timeKey, outcomeKey)
	})
	if err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}

	s.index.ReplaceOrInsert(&latestState{ResourceID: outcome.ResourceID, Outcome: outcome})
	return nil
}

// Latest returns the most recent outcome for a resource
func (s *OutcomeStore) Latest(resourceID string) (types.RemediationOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.index.Get(&latestState{ResourceID: resourceID})
	if !ok {
		return types.RemediationOutcome{}, false
	}
	return entry.Outcome, true
}

// QueryByResource returns all outcomes for a resource, oldest first
func (s *OutcomeStore) QueryByResource(ctx context.Context, resourceID string) ([]types.RemediationOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := []byte(resourceID + "|")
	var outcomes []types.RemediationOutcome

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutcomes).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var outcome types.RemediationOutcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				continue // skip malformed entries
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})

	return outcomes, err
}

// QueryRange returns all outcomes recorded in [since, until), oldest first
func (s *OutcomeStore) QueryRange(ctx context.Context, since, until time.Time) ([]types.RemediationOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := makeTimeKey(since.UnixNano(), "")
	end := until.UnixNano()

	var outcomes []types.RemediationOutcome

	err := s.db.View(func(tx *bbolt.Tx) error {
		outcomesBucket := tx.Bucket(bucketOutcomes)
		c := tx.Bucket(bucketByTime).Cursor()

		for k, outcomeKey := c.Seek(start); k != nil; k, outcomeKey = c.Next() {
			nano, ok := parseTimeKey(k)
			if !ok || nano >= end {
				break
			}

			value := outcomesBucket.Get(outcomeKey)
			if value == nil {
				continue
			}
			var outcome types.RemediationOutcome
			if err := json.Unmarshal(value, &outcome); err != nil {
				continue
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})

	return outcomes, err
}

// Count returns the total number of recorded outcomes
func (s *OutcomeStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketOutcomes).Stats().KeyN
		return nil
	})
	return count, err
}

// rebuildIndex reloads the latest-outcome index from disk
func (s *OutcomeStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			var outcome types.RemediationOutcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				return nil // tolerate malformed entries
			}

			// Keys are ordered, the last one per resource wins
			s.index.ReplaceOrInsert(&latestState{ResourceID: outcome.ResourceID, Outcome: outcome})

			if nano, ok := parseOutcomeKey(k); ok && nano > s.lastNano {
				s.lastNano = nano
			}
			return nil
		})
	})
}

// makeOutcomeKey builds resourceID|nanots with a zero-padded timestamp
// so byte order matches time order per resource
func makeOutcomeKey(resourceID string, nano int64) []byte {
	return []byte(fmt.Sprintf("%s|%020d", resourceID, nano))
}

// makeTimeKey builds nanots|resourceID for the time-range index
func makeTimeKey(nano int64, resourceID string) []byte {
	return []byte(fmt.Sprintf("%020d|%s", nano, resourceID))
}

func parseOutcomeKey(key []byte) (int64, bool) {
	idx := strings.LastIndexByte(string(key), '|')
	if idx < 0 {
		return 0, false
	}
	nano, err := strconv.ParseInt(string(key[idx+1:]), 10, 64)
	if err != nil {
		return 0, false
	}
	return nano, true
}

func parseTimeKey(key []byte) (int64, bool) {
	idx := strings.IndexByte(string(key), '|')
	if idx < 0 {
		return 0, false
	}
	nano, err := strconv.ParseInt(string(key[:idx]), 10, 64)
	if err != nil {
		return 0, false
	}
	return nano, true
}
