package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"fedwatch/internal/pending"

	bolt "go.etcd.io/bbolt"
)

// PendingStore provides persistent storage for delayed automated
// actions.
type PendingStore struct {
	db *bolt.DB
}

// PutAction stores an action, replacing any record with the same ID.
func (s *PendingStore) PutAction(ctx context.Context, a pending.Action) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPending)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketPending)
		}

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal pending action: %w", err)
		}

		return bucket.Put([]byte(a.ID), data)
	})
}

// GetAction retrieves an action by ID, or nil when unknown.
func (s *PendingStore) GetAction(ctx context.Context, id string) (*pending.Action, error) {
	var a *pending.Action

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPending)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		a = &pending.Action{}
		return json.Unmarshal(data, a)
	})

	return a, err
}

// ListActions returns all stored actions, terminal states included.
func (s *PendingStore) ListActions(ctx context.Context) ([]pending.Action, error) {
	var actions []pending.Action

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPending)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var a pending.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			actions = append(actions, a)
			return nil
		})
	})

	return actions, err
}
