// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxpush/broker/events"
	"github.com/absmach/fluxpush/config"
	"github.com/absmach/fluxpush/server/otel"
	"github.com/sony/gobreaker"
)

var (
	ErrNilSender     = errors.New("webhook sender cannot be nil")
	ErrNotAnEvent    = errors.New("value does not implement events.Event")
	ErrNotifierClose = errors.New("webhook notifier closed")
)

// Notifier fans events out to the configured endpoints through a bounded
// queue served by a worker pool. Each endpoint has its own circuit breaker.
type Notifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []*endpoint
	queue     chan job
	sender    Sender
	logger    *slog.Logger
	metrics   *otel.Metrics

	wg      sync.WaitGroup
	stop    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
}

type endpoint struct {
	name    string
	url     string
	events  map[string]struct{}
	topics  map[string]struct{}
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
	breaker *gobreaker.CircuitBreaker
}

type job struct {
	event    events.Event
	endpoint *endpoint
	attempt  int
}

// NewNotifier starts the worker pool. metrics may be nil.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger, metrics *otel.Metrics) (*Notifier, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	n := &Notifier{
		cfg:      cfg,
		brokerID: brokerID,
		queue:    make(chan job, cfg.QueueSize),
		sender:   sender,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
	for _, ep := range cfg.Endpoints {
		n.endpoints = append(n.endpoints, n.newEndpoint(ep))
	}

	for range cfg.Workers {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(n.endpoints)))
	return n, nil
}

func (n *Notifier) newEndpoint(ep config.WebhookEndpoint) *endpoint {
	e := &endpoint{
		name:    ep.Name,
		url:     ep.URL,
		events:  toSet(ep.Events),
		topics:  toSet(ep.Topics),
		headers: ep.Headers,
		timeout: n.cfg.Defaults.Timeout,
		retry:   n.cfg.Defaults.Retry,
	}
	if ep.Timeout > 0 {
		e.timeout = ep.Timeout
	}
	if ep.Retry != nil {
		e.retry = *ep.Retry
	}

	cb := n.cfg.Defaults.CircuitBreaker
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.Name,
		MaxRequests: 1,
		Timeout:     cb.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cb.FailureThreshold > 0 && counts.ConsecutiveFailures >= uint32(cb.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return e
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Notify queues event for every matching endpoint. It never blocks; when
// the queue is full the drop policy decides which event is lost.
func (n *Notifier) Notify(_ context.Context, event any) error {
	ev, ok := event.(events.Event)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotAnEvent, event)
	}
	if n.closed.Load() {
		return ErrNotifierClose
	}
	if !n.cfg.IncludePayload {
		ev = stripPayload(ev)
	}

	for _, ep := range n.endpoints {
		if ep.matches(ev) {
			n.enqueue(job{event: ev, endpoint: ep})
		}
	}
	return nil
}

func stripPayload(ev events.Event) events.Event {
	if mp, ok := ev.(events.MessagePublished); ok && mp.Payload != "" {
		mp.Payload = ""
		return mp
	}
	return ev
}

func (e *endpoint) matches(ev events.Event) bool {
	if e.events != nil {
		if _, ok := e.events[ev.Type()]; !ok {
			return false
		}
	}
	if e.topics != nil && ev.Topic() != "" {
		if _, ok := e.topics[ev.Topic()]; !ok {
			return false
		}
	}
	return true
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case old := <-n.queue:
			n.drop(old)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}
	n.drop(j)
}

func (n *Notifier) drop(j job) {
	n.dropped.Add(1)
	n.metrics.RecordError("webhook_dropped")
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

// Dropped returns the number of events lost to a full queue.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case j := <-n.queue:
			n.process(j)
		case <-n.stop:
			for {
				select {
				case j := <-n.queue:
					n.process(j)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) process(j job) {
	_, err := j.endpoint.breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt+1 >= j.endpoint.retry.MaxAttempts || n.closed.Load() {
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := backoff(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		n.enqueue(j)
	})
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.sender.Send(context.Background(), j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}
	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// backoff returns the exponential delay before the given retry attempt.
func backoff(attempt int, cfg config.RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events and waits for the workers to drain the
// queue, up to the configured shutdown timeout. Pending retries are abandoned.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(n.stop)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
