// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/fluxpush/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	retained *RetainedStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		retained: NewRetainedStore(),
	}
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
