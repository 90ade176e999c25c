package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SyncStore records which domains have completed onboarding, so the
// bulk apply never runs twice against the same domain.
type SyncStore struct {
	db *bolt.DB
}

type onboardRecord struct {
	DomainID    string    `json:"domain_id"`
	OnboardedAt time.Time `json:"onboarded_at"`
	Applied     int       `json:"applied"`
}

// MarkOnboarded records a completed onboarding run for the domain.
func (s *SyncStore) MarkOnboarded(ctx context.Context, domainID string, applied int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketOnboarded)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketOnboarded)
		}

		data, err := json.Marshal(onboardRecord{
			DomainID:    domainID,
			OnboardedAt: time.Now().UTC(),
			Applied:     applied,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal onboard record: %w", err)
		}

		return bucket.Put([]byte(domainID), data)
	})
}

// IsOnboarded reports whether the domain completed onboarding.
func (s *SyncStore) IsOnboarded(ctx context.Context, domainID string) (bool, error) {
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketOnboarded)
		if bucket == nil {
			return nil
		}

		found = bucket.Get([]byte(domainID)) != nil
		return nil
	})

	return found, err
}

// ClearOnboarded forgets a domain's onboarding record, allowing the
// operator to force a re-run.
func (s *SyncStore) ClearOnboarded(ctx context.Context, domainID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketOnboarded)
		if bucket == nil {
			return nil
		}

		return bucket.Delete([]byte(domainID))
	})
}
