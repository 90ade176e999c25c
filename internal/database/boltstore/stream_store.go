package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// streamCursorKey is the single key holding the stream position.
var streamCursorKey = []byte("cursor")

// StreamStore persists the gateway event stream position so a restart
// resumes where the previous process left off.
type StreamStore struct {
	db *bolt.DB
}

// GetCursor returns the persisted stream position, or 0 when none was
// saved yet.
func (s *StreamStore) GetCursor(ctx context.Context) (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketStream)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(streamCursorKey)
		if len(data) == 8 {
			cursor = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})

	return cursor, err
}

// SetCursor stores the stream position.
func (s *StreamStore) SetCursor(ctx context.Context, cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketStream)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketStream)
		}

		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, uint64(cursor))
		return bucket.Put(streamCursorKey, data)
	})
}
