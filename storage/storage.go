// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxpush/dst/packets"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the composite storage interface.
type Store interface {
	// Retained returns the retained message store.
	Retained() RetainedStore

	// Close closes all storage backends.
	Close() error
}

// Message is a routed message as held by the broker.
type Message struct {
	PublishedAt time.Time
	Topic       string
	PublisherID string
	Payload     []byte
	Level       packets.Level
	Retain      bool
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	return &cp
}

// RetainedStore holds the last retained message of each topic.
type RetainedStore interface {
	// Set replaces the retained message of topic.
	// A nil message or an empty payload deletes it.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get returns the retained message of topic or ErrNotFound.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes the retained message of topic.
	Delete(ctx context.Context, topic string) error

	// Count returns the number of retained messages.
	Count(ctx context.Context) (int, error)
}
