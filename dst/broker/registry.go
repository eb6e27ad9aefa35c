// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/fluxpush/dst/packets"
)

// Sink receives the packages pushed to one connection.
type Sink interface {
	// ID identifies the connection in logs and events.
	ID() string
	// Deliver hands a push to the connection's send path.
	Deliver(pkg *packets.Package) error
}

// Registry is the subscription set of one connection. All calls are
// serialized; Subscribe and Unsubscribe are idempotent and Destroy may be
// called any number of times.
type Registry struct {
	hall   *Hall
	id     string
	outbox *outbox

	mu        sync.Mutex
	topics    map[string]struct{}
	destroyed bool
}

// ID returns the identifier of the owning connection.
func (r *Registry) ID() string {
	return r.id
}

// Subscribe adds topic to the set. The topic's retained message, if any,
// is delivered before Subscribe returns and before any live publish that
// starts after it. Subscribing again to a held topic replays the retained
// message without duplicating the subscription.
func (r *Registry) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrRegistryDestroyed
	}

	added, err := r.hall.subscribe(ctx, r, topic)
	if err != nil {
		return err
	}
	if added {
		r.topics[topic] = struct{}{}
	}
	return nil
}

// Unsubscribe removes topic from the set. Removing an absent topic is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[topic]; !ok || r.destroyed {
		return nil
	}
	delete(r.topics, topic)
	r.hall.unsubscribe(ctx, r, topic)
	return nil
}

// Destroy removes every subscription and cancels pending retransmissions.
// Only the first call has an effect.
func (r *Registry) Destroy(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return
	}
	r.destroyed = true

	for topic := range r.topics {
		r.hall.unsubscribe(ctx, r, topic)
	}
	n := len(r.topics)
	clear(r.topics)

	dropped := r.outbox.close()
	r.hall.stats.registries.Add(-1)
	r.hall.logOp("registry_destroyed",
		slog.String("registry", r.id),
		slog.Int("subscriptions", n),
		slog.Int("inflight_discarded", dropped))
}

// Topics returns the subscribed topics in lexical order.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Ack clears the AT_LEAST_ONCE push with the given identifier.
func (r *Registry) Ack(id uint64) error {
	return r.outbox.ack(id, packets.PushMessageAckType)
}

// AckExactlyOnce completes the EXACTLY_ONCE handshake for the given identifier.
func (r *Registry) AckExactlyOnce(id uint64) error {
	return r.outbox.ack(id, packets.ExactlyOnceMessageAckType)
}

// NextID returns a fresh identifier from the connection's identifier space.
func (r *Registry) NextID() uint64 {
	return r.outbox.allocate()
}

// Inflight returns the number of pushes awaiting acknowledgment.
func (r *Registry) Inflight() int {
	return r.outbox.len()
}
