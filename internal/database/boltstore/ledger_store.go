package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"fedwatch/internal/federation"

	bolt "go.etcd.io/bbolt"
)

// LedgerStore provides persistent storage for the shared block ledger.
type LedgerStore struct {
	db *bolt.DB
}

// PutBlock stores a block record, replacing any existing record for
// the same identity.
func (s *LedgerStore) PutBlock(ctx context.Context, rec federation.BlockRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketLedger)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketLedger)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal block record: %w", err)
		}

		return bucket.Put([]byte(rec.IdentityID), data)
	})
}

// DeleteBlock removes an identity from the ledger.
func (s *LedgerStore) DeleteBlock(ctx context.Context, identityID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketLedger)
		if bucket == nil {
			return nil
		}

		return bucket.Delete([]byte(identityID))
	})
}

// GetBlock retrieves a block record by identity ID, or nil when the
// identity is not on the ledger.
func (s *LedgerStore) GetBlock(ctx context.Context, identityID string) (*federation.BlockRecord, error) {
	var rec *federation.BlockRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketLedger)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(identityID))
		if data == nil {
			return nil
		}

		rec = &federation.BlockRecord{}
		return json.Unmarshal(data, rec)
	})

	return rec, err
}

// ListBlocks returns all ledger records.
func (s *LedgerStore) ListBlocks(ctx context.Context) ([]federation.BlockRecord, error) {
	var records []federation.BlockRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketLedger)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec federation.BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})

	return records, err
}

// CountBlocks returns the number of identities on the ledger.
func (s *LedgerStore) CountBlocks(ctx context.Context) (int, error) {
	var n int

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketLedger)
		if bucket == nil {
			return nil
		}

		n = bucket.Stats().KeyN
		return nil
	})

	return n, err
}
