// Package boltstore provides persistent storage using BoltDB (bbolt).
// It backs the block ledger, the screening rule set, federation stats,
// onboarding state and pending delayed actions.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketLedger stores block records keyed by identity ID
	BucketLedger = []byte("federation_ledger")

	// BucketRules stores the screening rule set as a single document
	BucketRules = []byte("screening_rules")

	// BucketStats stores the federation stats snapshot as a single document
	BucketStats = []byte("federation_stats")

	// BucketOnboarded stores IDs of domains that completed onboarding
	BucketOnboarded = []byte("onboarded_domains")

	// BucketPending stores delayed automated actions keyed by action ID
	BucketPending = []byte("pending_actions")

	// BucketStream stores the gateway event stream cursor
	BucketStream = []byte("stream_state")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "fedwatch.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "fedwatch.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketLedger,
			BucketRules,
			BucketStats,
			BucketOnboarded,
			BucketPending,
			BucketStream,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// LedgerStore returns a block ledger store backed by this database.
func (s *Store) LedgerStore() *LedgerStore {
	return &LedgerStore{db: s.db}
}

// RulesStore returns a screening rules store backed by this database.
func (s *Store) RulesStore() *RulesStore {
	return &RulesStore{db: s.db}
}

// StatsStore returns a federation stats store backed by this database.
func (s *Store) StatsStore() *StatsStore {
	return &StatsStore{db: s.db}
}

// SyncStore returns an onboarding state store backed by this database.
func (s *Store) SyncStore() *SyncStore {
	return &SyncStore{db: s.db}
}

// PendingStore returns a pending action store backed by this database.
func (s *Store) PendingStore() *PendingStore {
	return &PendingStore{db: s.db}
}

// StreamStore returns a stream cursor store backed by this database.
func (s *Store) StreamStore() *StreamStore {
	return &StreamStore{db: s.db}
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}
