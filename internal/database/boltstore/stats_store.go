package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"fedwatch/internal/stats"

	bolt "go.etcd.io/bbolt"
)

// statsKey is the single key holding the stats snapshot document.
var statsKey = []byte("snapshot")

// StatsStore provides persistent storage for federation counters.
type StatsStore struct {
	db *bolt.DB
}

// LoadStats returns the persisted snapshot, or an empty one when
// nothing has been saved yet.
func (s *StatsStore) LoadStats(ctx context.Context) (*stats.Snapshot, error) {
	snap := &stats.Snapshot{}

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketStats)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(statsKey)
		if data == nil {
			return nil
		}

		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load stats snapshot: %w", err)
	}

	return snap, nil
}

// UpdateStats applies fn to the snapshot inside a single write
// transaction: read, mutate, write as one cycle, so concurrent deltas
// never lose increments.
func (s *StatsStore) UpdateStats(ctx context.Context, fn func(*stats.Snapshot) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketStats)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketStats)
		}

		snap := &stats.Snapshot{}
		if data := bucket.Get(statsKey); data != nil {
			if err := json.Unmarshal(data, snap); err != nil {
				return fmt.Errorf("failed to unmarshal stats snapshot: %w", err)
			}
		}

		if err := fn(snap); err != nil {
			return err
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal stats snapshot: %w", err)
		}

		return bucket.Put(statsKey, data)
	})
}
