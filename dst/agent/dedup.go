// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupWindow is the number of identifiers remembered by default.
const DefaultDedupWindow = 1024

// Deduplicator remembers the most recent EXACTLY_ONCE identifiers seen on
// a connection. The window is bounded; the oldest identifiers are evicted.
type Deduplicator struct {
	seen *lru.Cache[uint64, struct{}]
}

// NewDeduplicator creates a deduplicator remembering up to size identifiers.
func NewDeduplicator(size int) (*Deduplicator, error) {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	c, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{seen: c}, nil
}

// Seen records id and reports whether it was already in the window.
func (d *Deduplicator) Seen(id uint64) bool {
	ok, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return ok
}

// Forget removes id from the window.
func (d *Deduplicator) Forget(id uint64) {
	d.seen.Remove(id)
}

// Len returns the number of remembered identifiers.
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
