// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxpush/dst/packets"
	"github.com/absmach/fluxpush/storage"
)

// inflightMessage is a push awaiting acknowledgment.
type inflightMessage struct {
	pkg     *packets.Package
	topic   string
	retries int
	timer   *time.Timer
}

// outbox delivers pushes to one connection and owns the retransmission
// timers of its unacknowledged pushes. Sends happen under mu, so a push,
// a retransmission and teardown never interleave for the same connection.
type outbox struct {
	hall *Hall
	sink Sink

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]*inflightMessage
	closed   bool
}

func newOutbox(h *Hall, sink Sink) *outbox {
	return &outbox{
		hall:     h,
		sink:     sink,
		inflight: make(map[uint64]*inflightMessage),
	}
}

// push delivers msg at its own level. payload is the encoded DST push body
// shared by every recipient of the publish.
func (o *outbox) push(msg *storage.Message, payload []byte, retained bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrRegistryDestroyed
	}

	if !msg.Level.RequiresAck() {
		if err := o.sink.Deliver(packets.New(packets.PushMessageType, packets.NoConfirm, retained, payload)); err != nil {
			return err
		}
		o.hall.pushed(msg.Level)
		return nil
	}

	if len(o.inflight) >= o.hall.opts.MaxInflight {
		o.hall.dropped(o.sink.ID(), msg.Topic, msg.Level, 0, ErrInflightFull)
		return ErrInflightFull
	}

	id := o.allocateLocked()
	typ := packets.PushMessageType
	if msg.Level == packets.ExactlyOnce {
		typ = packets.ExactlyOnceMessageType
	}
	pkg := packets.NewWithID(typ, msg.Level, retained, id, payload)
	if err := o.sink.Deliver(pkg); err != nil {
		return err
	}

	o.inflight[id] = &inflightMessage{
		pkg:   pkg,
		topic: msg.Topic,
		timer: time.AfterFunc(o.hall.opts.RetryInterval, func() { o.retry(id) }),
	}
	o.hall.pushed(msg.Level)
	return nil
}

// allocate reserves an identifier for a package the connection sends
// outside the outbox, so it never collides with an inflight push.
func (o *outbox) allocate() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.allocateLocked()
}

func (o *outbox) allocateLocked() uint64 {
	o.nextID++
	return o.nextID
}

// retry sends an unacknowledged push again with the same identifier, or
// abandons it once the retry budget is spent.
func (o *outbox) retry(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.inflight[id]
	if o.closed || !ok {
		return
	}

	if m.retries >= o.hall.opts.MaxRetries {
		delete(o.inflight, id)
		o.hall.dropped(o.sink.ID(), m.topic, m.pkg.Level(), id, ErrAckTimeout)
		return
	}

	m.retries++
	if err := o.sink.Deliver(m.pkg); err != nil {
		o.hall.logError("retransmit", err,
			slog.String("registry", o.sink.ID()),
			slog.Uint64("identifier", id))
	} else {
		o.hall.retransmitted(m.pkg.Level())
	}
	m.timer.Reset(o.hall.opts.RetryInterval)
}

// ack clears the inflight push id. typ is the acknowledgment package type
// and must match the level the push was sent at.
func (o *outbox) ack(id uint64, typ packets.Type) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.inflight[id]
	if !ok {
		return ErrUnknownIdentifier
	}

	want := packets.PushMessageAckType
	if m.pkg.Level() == packets.ExactlyOnce {
		want = packets.ExactlyOnceMessageAckType
	}
	if typ != want {
		return ErrLevelMismatch
	}

	m.timer.Stop()
	delete(o.inflight, id)
	o.hall.acked(m.pkg.Level())
	return nil
}

// close stops every retransmission timer and discards the inflight set.
// Timers that already fired observe closed and do nothing.
func (o *outbox) close() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0
	}
	o.closed = true

	n := len(o.inflight)
	for id, m := range o.inflight {
		m.timer.Stop()
		delete(o.inflight, id)
	}
	return n
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}
