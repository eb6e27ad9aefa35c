// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxpush/dst/packets"
	"github.com/absmach/fluxpush/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

const retainedPrefix = "retained:"

// RetainedStore implements storage.RetainedStore using BadgerDB.
//
// Key format: retained:{topic}
// Value: msgpack-encoded record, payload optionally s2-compressed.
type RetainedStore struct {
	db        *badger.DB
	threshold int
}

type retainedRecord struct {
	PublishedAt time.Time `msgpack:"ts"`
	Topic       string    `msgpack:"t"`
	PublisherID string    `msgpack:"p"`
	Payload     []byte    `msgpack:"b"`
	Level       uint8     `msgpack:"l"`
	Compressed  bool      `msgpack:"c"`
}

// NewRetainedStore creates a new BadgerDB retained message store.
// Payloads longer than threshold bytes are compressed; threshold < 0 disables compression.
func NewRetainedStore(db *badger.DB, threshold int) *RetainedStore {
	return &RetainedStore{db: db, threshold: threshold}
}

// Set stores or updates a retained message.
// Empty payload deletes the retained message.
func (r *RetainedStore) Set(ctx context.Context, topic string, msg *storage.Message) error {
	if msg == nil || len(msg.Payload) == 0 {
		return r.Delete(ctx, topic)
	}

	rec := retainedRecord{
		PublishedAt: msg.PublishedAt,
		Topic:       msg.Topic,
		PublisherID: msg.PublisherID,
		Payload:     msg.Payload,
		Level:       uint8(msg.Level),
	}
	if r.threshold >= 0 && len(msg.Payload) > r.threshold {
		rec.Payload = s2.Encode(nil, msg.Payload)
		rec.Compressed = true
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal retained message: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey(topic), data)
	})
}

// Get retrieves a retained message by exact topic.
func (r *RetainedStore) Get(_ context.Context, topic string) (*storage.Message, error) {
	var msg *storage.Message

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(retainedKey(topic))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			m, err := decodeRetained(val)
			if err != nil {
				return err
			}
			msg = m
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Delete removes a retained message.
func (r *RetainedStore) Delete(_ context.Context, topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(retainedKey(topic))
	})
}

// Count returns the number of retained messages.
func (r *RetainedStore) Count(_ context.Context) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func retainedKey(topic string) []byte {
	return []byte(retainedPrefix + topic)
}

func decodeRetained(val []byte) (*storage.Message, error) {
	var rec retainedRecord
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retained message: %w", err)
	}

	payload := rec.Payload
	if rec.Compressed {
		decoded, err := s2.Decode(nil, rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress retained payload: %w", err)
		}
		payload = decoded
	}

	return &storage.Message{
		PublishedAt: rec.PublishedAt,
		Topic:       rec.Topic,
		PublisherID: rec.PublisherID,
		Payload:     payload,
		Level:       packets.Level(rec.Level),
		Retain:      true,
	}, nil
}
