// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the message hall: the process-wide topic index
// that routes published messages to per-connection subscription registries,
// holds retained messages and applies delivery-level semantics.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxpush/broker/events"
	"github.com/absmach/fluxpush/config"
	"github.com/absmach/fluxpush/dst/grammar"
	"github.com/absmach/fluxpush/dst/packets"
	"github.com/absmach/fluxpush/server/otel"
	"github.com/absmach/fluxpush/storage"
	"github.com/absmach/fluxpush/storage/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Publisher routes a message to the current subscribers of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte, level packets.Level, retain bool) error
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event any) error
}

// Options holds the delivery settings of a hall.
type Options struct {
	RetryInterval time.Duration
	MaxRetries    int
	MaxInflight   int
}

// OptionsFromConfig extracts hall options from broker configuration.
func OptionsFromConfig(cfg config.BrokerConfig) Options {
	return Options{
		RetryInterval: cfg.RetryInterval,
		MaxRetries:    cfg.MaxRetries,
		MaxInflight:   cfg.MaxInflight,
	}
}

var _ Publisher = (*Hall)(nil)

// Hall is the message hall shared by every connection.
type Hall struct {
	index    *topicIndex
	retained storage.RetainedStore
	opts     Options
	logger   *slog.Logger
	stats    *Stats
	metrics  *otel.Metrics // nil if metrics disabled
	tracer   trace.Tracer  // nil if tracing disabled
	notifier Notifier      // nil if webhooks disabled
	closed   atomic.Bool
}

// NewHall creates a hall. A nil retained store falls back to memory.
func NewHall(retained storage.RetainedStore, opts Options, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer, notifier Notifier) *Hall {
	if retained == nil {
		retained = memory.New().Retained()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 1024
	}

	return &Hall{
		index:    newTopicIndex(),
		retained: retained,
		opts:     opts,
		logger:   logger,
		stats:    NewStats(),
		metrics:  metrics,
		tracer:   tracer,
		notifier: notifier,
	}
}

// NewRegistry creates the subscription registry of a connection.
func (h *Hall) NewRegistry(sink Sink) *Registry {
	h.stats.registries.Add(1)
	return &Registry{
		hall:   h,
		id:     sink.ID(),
		outbox: newOutbox(h, sink),
		topics: make(map[string]struct{}),
	}
}

// Publish routes message to every current subscriber of topic. Publishing
// to a topic without subscribers is a no-op unless retain is set, in which
// case the message replaces the topic's retained message. An empty
// retained message clears it.
func (h *Hall) Publish(ctx context.Context, topic string, message []byte, level packets.Level, retain bool) error {
	return h.Route(ctx, &storage.Message{
		PublishedAt: time.Now(),
		Topic:       topic,
		PublisherID: PublisherFromContext(ctx),
		Payload:     message,
		Level:       level,
		Retain:      retain,
	})
}

// Route is Publish for a prepared message.
func (h *Hall) Route(ctx context.Context, msg *storage.Message) error {
	if h.closed.Load() {
		return ErrHallClosed
	}
	if msg.Topic == "" {
		return ErrInvalidTopic
	}
	if !msg.Level.Valid() {
		return fmt.Errorf("route %q: %w", msg.Topic, packets.ErrInvalidLevel)
	}

	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "hall.publish",
			trace.WithAttributes(
				attribute.String("dst.topic", msg.Topic),
				attribute.String("dst.level", msg.Level.String()),
				attribute.Bool("dst.retain", msg.Retain),
			))
		defer span.End()
	}

	h.logOp("publish",
		slog.String("topic", msg.Topic),
		slog.String("level", msg.Level.String()),
		slog.Bool("retain", msg.Retain))

	start := time.Now()
	payload, err := pushPayload(msg.Topic, msg.Payload)
	if err != nil {
		return err
	}

	h.stats.publishes.Add(1)
	h.stats.bytesReceived.Add(uint64(len(msg.Payload)))
	h.metrics.RecordPublish(msg.Level.String(), int64(len(msg.Payload)))

	var n int
	if msg.Retain {
		n, err = h.routeRetained(ctx, msg, payload)
		if err != nil {
			h.logError("retained_store_failed", err, slog.String("topic", msg.Topic))
			h.metrics.RecordError("retained_store")
			return err
		}
	} else if e := h.index.lookup(msg.Topic); e != nil {
		e.mu.RLock()
		n = h.fanOut(e, msg, payload)
		e.mu.RUnlock()
	}

	h.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
	if h.notifier != nil {
		h.notify(ctx, events.MessagePublished{
			ClientID:     msg.PublisherID,
			MessageTopic: msg.Topic,
			Level:        msg.Level.String(),
			Retained:     msg.Retain,
			Subscribers:  n,
			PayloadSize:  len(msg.Payload),
			Payload:      string(msg.Payload),
		})
	}
	return nil
}

// routeRetained stores the retained message and fans it out while holding
// the topic's write lock, so concurrent subscribers observe either the old
// retained message followed by this one live, or only this one as retained.
func (h *Hall) routeRetained(ctx context.Context, msg *storage.Message, payload []byte) (int, error) {
	e := h.index.lockLive(msg.Topic)
	if err := h.setRetained(ctx, msg); err != nil {
		e.mu.Unlock()
		h.index.release(msg.Topic, e)
		return 0, err
	}
	n := h.fanOut(e, msg, payload)
	empty := len(e.subs) == 0
	e.mu.Unlock()

	if empty {
		h.index.release(msg.Topic, e)
	}
	return n, nil
}

func (h *Hall) setRetained(ctx context.Context, msg *storage.Message) error {
	_, err := h.retained.Get(ctx, msg.Topic)
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if len(msg.Payload) == 0 {
		if !existed {
			return nil
		}
		if err := h.retained.Delete(ctx, msg.Topic); err != nil {
			return err
		}
		h.metrics.RecordRetainedDeleted()
		h.notify(ctx, events.RetainedMessageSet{MessageTopic: msg.Topic, Cleared: true})
		return nil
	}

	retained := msg.Copy()
	retained.Retain = true
	if err := h.retained.Set(ctx, msg.Topic, retained); err != nil {
		return err
	}
	if !existed {
		h.metrics.RecordRetainedSet()
	}
	h.notify(ctx, events.RetainedMessageSet{MessageTopic: msg.Topic, PayloadSize: len(msg.Payload)})
	return nil
}

// fanOut pushes msg to every subscriber of e. The caller holds e.mu.
func (h *Hall) fanOut(e *topicEntry, msg *storage.Message, payload []byte) int {
	n := 0
	for reg := range e.subs {
		if err := reg.outbox.push(msg, payload, false); err != nil {
			h.logError("push", err,
				slog.String("registry", reg.id),
				slog.String("topic", msg.Topic))
			continue
		}
		n++
	}
	return n
}

// subscribe links r to topic and replays the retained message under the
// topic's write lock. It reports whether the subscription is new.
func (h *Hall) subscribe(ctx context.Context, r *Registry, topic string) (bool, error) {
	if h.closed.Load() {
		return false, ErrHallClosed
	}

	e := h.index.lockLive(topic)
	_, exists := e.subs[r]
	e.subs[r] = struct{}{}

	replayed := false
	retained, err := h.retained.Get(ctx, topic)
	switch {
	case err == nil:
		payload, perr := pushPayload(topic, retained.Payload)
		if perr == nil {
			perr = r.outbox.push(retained, payload, true)
		}
		if perr != nil {
			h.logError("retained_replay", perr, slog.String("registry", r.id), slog.String("topic", topic))
		} else {
			replayed = true
		}
	case !errors.Is(err, storage.ErrNotFound):
		h.logError("retained_lookup", err, slog.String("topic", topic))
	}
	e.mu.Unlock()

	if !exists {
		h.stats.subscriptions.Add(1)
		h.metrics.RecordSubscriptionAdded()
	}
	h.logOp("subscribe", slog.String("registry", r.id), slog.String("topic", topic), slog.Bool("retained", replayed))
	h.notify(ctx, events.SubscriptionCreated{ClientID: r.id, MessageTopic: topic, Retained: replayed})
	return !exists, nil
}

// unsubscribe unlinks r from topic under the topic's write lock.
func (h *Hall) unsubscribe(ctx context.Context, r *Registry, topic string) {
	e := h.index.lookup(topic)
	if e == nil {
		return
	}

	e.mu.Lock()
	_, ok := e.subs[r]
	delete(e.subs, r)
	empty := len(e.subs) == 0
	e.mu.Unlock()

	if empty {
		h.index.release(topic, e)
	}
	if !ok {
		return
	}

	h.stats.subscriptions.Add(-1)
	h.metrics.RecordSubscriptionRemoved()
	h.logOp("unsubscribe", slog.String("registry", r.id), slog.String("topic", topic))
	h.notify(ctx, events.SubscriptionRemoved{ClientID: r.id, MessageTopic: topic})
}

// Subscribers returns the number of registries subscribed to topic.
func (h *Hall) Subscribers(topic string) int {
	e := h.index.lookup(topic)
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Topics returns the number of topics with at least one subscriber.
func (h *Hall) Topics() int {
	return h.index.topics()
}

// Retained returns the retained message of topic or storage.ErrNotFound.
func (h *Hall) Retained(ctx context.Context, topic string) (*storage.Message, error) {
	return h.retained.Get(ctx, topic)
}

// Stats returns the hall counters.
func (h *Hall) Stats() *Stats {
	return h.stats
}

// Closed reports whether Close has been called.
func (h *Hall) Closed() bool {
	return h.closed.Load()
}

// Close stops accepting publishes and subscriptions. Registries stay owned
// by their connections and are destroyed on connection teardown.
func (h *Hall) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.logger.Info("message hall closed", slog.Int("topics", h.Topics()))
	return nil
}

// pushPayload encodes the DST body [topic, message] of a push.
func pushPayload(topic string, message []byte) ([]byte, error) {
	pkg, err := grammar.Plain(topic, string(message))
	if err != nil {
		return nil, fmt.Errorf("encode push for %q: %w", topic, err)
	}
	return pkg.Bytes(), nil
}

func (h *Hall) pushed(level packets.Level) {
	h.stats.pushes.Add(1)
	h.metrics.RecordPush(level.String())
}

func (h *Hall) acked(level packets.Level) {
	h.stats.acks.Add(1)
	h.metrics.RecordAck(level.String())
}

func (h *Hall) retransmitted(level packets.Level) {
	h.stats.retransmissions.Add(1)
	h.metrics.RecordRetransmission(level.String())
}

func (h *Hall) dropped(registry, topic string, level packets.Level, id uint64, cause error) {
	reason := "ack_timeout"
	if errors.Is(cause, ErrInflightFull) {
		reason = "inflight_full"
		h.stats.inflightDrops.Add(1)
	} else {
		h.stats.ackTimeouts.Add(1)
	}
	h.metrics.RecordDrop(reason)
	h.logger.Warn("message dropped",
		slog.String("error", cause.Error()),
		slog.String("registry", registry),
		slog.String("topic", topic),
		slog.String("level", level.String()),
		slog.Uint64("identifier", id))
	h.notify(context.Background(), events.MessageDropped{
		ClientID:     registry,
		MessageTopic: topic,
		Level:        level.String(),
		Identifier:   id,
		Reason:       reason,
	})
}

func (h *Hall) notify(ctx context.Context, event any) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, event); err != nil {
		h.logError("notify", err)
	}
}

func (h *Hall) logOp(op string, attrs ...any) {
	h.logger.Debug(op, attrs...)
}

func (h *Hall) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		h.logger.Error(op, allAttrs...)
	}
}
