// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/absmach/fluxpush/dst/packets"
)

// pendingPublish is an identified PUBLISH waiting for its acknowledgment.
type pendingPublish struct {
	id   uint64
	ack  packets.Type
	done chan struct{}
	err  error
}

// pendingStore tracks unacknowledged publishes by identifier.
type pendingStore struct {
	mu      sync.Mutex
	pending map[uint64]*pendingPublish
	nextID  uint64
	maxSize int
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[uint64]*pendingPublish),
		maxSize: maxSize,
	}
}

// add allocates an identifier for a publish acknowledged by ack.
func (ps *pendingStore) add(ack packets.Type) (*pendingPublish, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.pending) >= ps.maxSize {
		return nil, ErrMaxInflight
	}
	ps.nextID++
	op := &pendingPublish{
		id:   ps.nextID,
		ack:  ack,
		done: make(chan struct{}),
	}
	ps.pending[op.id] = op
	return op, nil
}

// complete resolves the publish id if typ is the acknowledgment it waits
// for. It reports whether a publish was resolved.
func (ps *pendingStore) complete(id uint64, typ packets.Type) bool {
	ps.mu.Lock()
	op, ok := ps.pending[id]
	if ok && op.ack == typ {
		delete(ps.pending, id)
	}
	ps.mu.Unlock()

	if !ok || op.ack != typ {
		return false
	}
	close(op.done)
	return true
}

func (ps *pendingStore) remove(id uint64) {
	ps.mu.Lock()
	delete(ps.pending, id)
	ps.mu.Unlock()
}

// clear fails every pending publish with err.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[uint64]*pendingPublish)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the publish resolves or timeout elapses.
func (op *pendingPublish) wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-op.done:
		return op.err
	case <-t.C:
		return ErrTimeout
	}
}
