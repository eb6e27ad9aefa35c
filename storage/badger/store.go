// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"

	"github.com/absmach/fluxpush/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// DefaultCompressionThreshold is the payload size above which retained
// payloads are stored compressed.
const DefaultCompressionThreshold = 4 * 1024

// Store is the composite BadgerDB store.
//
// The database always runs in in-memory mode: retained messages live for the
// lifetime of the process and are not recovered after a restart.
type Store struct {
	db       *badger.DB
	retained *RetainedStore

	closed bool
	mu     sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	// CompressionThreshold is the payload size, in bytes, above which retained
	// payloads are compressed. Zero selects DefaultCompressionThreshold and a
	// negative value disables compression.
	CompressionThreshold int
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	threshold := cfg.CompressionThreshold
	if threshold == 0 {
		threshold = DefaultCompressionThreshold
	}

	return &Store{
		db:       db,
		retained: NewRetainedStore(db, threshold),
	}, nil
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Close closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
