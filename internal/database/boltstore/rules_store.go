package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"fedwatch/internal/screening"

	bolt "go.etcd.io/bbolt"
)

// rulesKey is the single key under which the whole rule set document
// lives. Rules change rarely and are read as one unit, so a single
// document keeps updates atomic without index bookkeeping.
var rulesKey = []byte("ruleset")

// RulesStore provides persistent storage for the screening rule set.
type RulesStore struct {
	db *bolt.DB
}

// LoadRuleSet returns the persisted rule set, or an empty one when
// nothing has been saved yet.
func (s *RulesStore) LoadRuleSet(ctx context.Context) (*screening.RuleSet, error) {
	rs := &screening.RuleSet{}

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketRules)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(rulesKey)
		if data == nil {
			return nil
		}

		return json.Unmarshal(data, rs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rule set: %w", err)
	}

	return rs, nil
}

// SaveRuleSet persists the whole rule set in one write.
func (s *RulesStore) SaveRuleSet(ctx context.Context, rs *screening.RuleSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketRules)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketRules)
		}

		data, err := json.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to marshal rule set: %w", err)
		}

		return bucket.Put(rulesKey, data)
	})
}
