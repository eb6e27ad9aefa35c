// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxpush/auth"
	"github.com/absmach/fluxpush/broker/events"
	"github.com/absmach/fluxpush/dst/broker"
	"github.com/absmach/fluxpush/dst/grammar"
	"github.com/absmach/fluxpush/dst/packets"
)

// Policy is the set of handlers an Agent dispatches validated packages to.
// Deployments customise behaviour by embedding BasePolicy and overriding
// individual methods; the agent always calls through the interface.
type Policy interface {
	// OnConnect authenticates and replies CONNECT_ACK. A returned error
	// wrapping ErrConnectRejected keeps the agent in AwaitingConnect and
	// is passed to OnConnectRejected.
	OnConnect(ctx context.Context, a *Agent, pkg *packets.Package, username, password string) error
	OnSubscribe(ctx context.Context, a *Agent, topic string) error
	OnUnsubscribe(ctx context.Context, a *Agent, topic string) error
	OnPublish(ctx context.Context, a *Agent, pkg *packets.Package, topic string, message []byte) error
	OnPushMessageAck(ctx context.Context, a *Agent, id uint64) error
	OnExactlyOnceMessageAck(ctx context.Context, a *Agent, id uint64) error
	OnPing(ctx context.Context, a *Agent, pkg *packets.Package) error
	OnDisconnect(ctx context.Context, a *Agent) error
	OnProtocolViolation(ctx context.Context, a *Agent, err error)
	OnConnectRejected(ctx context.Context, a *Agent, err error)
}

var _ Policy = (*BasePolicy)(nil)

// BasePolicy holds the default handlers.
type BasePolicy struct {
	Auth   *auth.Engine
	Logger *slog.Logger
}

// NewBasePolicy creates the default policy. A nil engine accepts every CONNECT.
func NewBasePolicy(engine *auth.Engine, logger *slog.Logger) *BasePolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &BasePolicy{Auth: engine, Logger: logger}
}

var okBody, emptyBody = mustPlain("OK"), mustPlain()

func mustPlain(values ...string) *grammar.Package {
	p, err := grammar.Plain(values...)
	if err != nil {
		panic(err)
	}
	return p
}

// OnConnect authenticates the credentials and replies CONNECT_ACK ["OK"],
// echoing the CONNECT identifier when present.
func (p *BasePolicy) OnConnect(ctx context.Context, a *Agent, pkg *packets.Package, username, password string) error {
	if err := p.Auth.Authenticate(ctx, username, password); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectRejected, err)
	}
	if id, ok := pkg.Identifier(); ok {
		return a.SendDSTWithID(packets.ConnectAckType, false, id, okBody)
	}
	return a.SendDST(packets.ConnectAckType, false, okBody)
}

// OnSubscribe adds topic to the agent's registry.
func (p *BasePolicy) OnSubscribe(ctx context.Context, a *Agent, topic string) error {
	if !a.allowSubscribe() {
		a.metrics.RecordError("subscribe_rate_limited")
		a.logger.Warn("subscribe rate limited", slog.String("topic", topic))
		return nil
	}
	if !p.Auth.CanSubscribe(a.Username(), topic) {
		a.logger.Warn("subscribe not authorized", slog.String("topic", topic))
		return nil
	}
	return a.registry.Subscribe(ctx, topic)
}

// OnUnsubscribe removes topic from the agent's registry.
func (p *BasePolicy) OnUnsubscribe(ctx context.Context, a *Agent, topic string) error {
	return a.registry.Unsubscribe(ctx, topic)
}

// OnPublish routes the message through the agent's publisher and
// acknowledges AT_LEAST_ONCE and EXACTLY_ONCE publishes with the publish
// identifier. EXACTLY_ONCE publishes already seen on this connection are
// acknowledged again without being routed.
func (p *BasePolicy) OnPublish(ctx context.Context, a *Agent, pkg *packets.Package, topic string, message []byte) error {
	if !a.allowPublish() {
		a.metrics.RecordError("publish_rate_limited")
		a.logger.Warn("publish rate limited", slog.String("topic", topic))
		return nil
	}
	if !p.Auth.CanPublish(a.Username(), topic) {
		a.logger.Warn("publish not authorized", slog.String("topic", topic))
		return nil
	}

	id, _ := pkg.Identifier()
	level := pkg.Level()
	if level == packets.ExactlyOnce && a.dedup.Seen(id) {
		a.logger.Debug("duplicate exactly-once publish", slog.Uint64("identifier", id))
		return p.ackPublish(a, level, id)
	}

	pctx := broker.ContextWithPublisher(ctx, a.ID())
	if err := a.publisher.Publish(pctx, topic, message, level, pkg.Retain()); err != nil {
		if level == packets.ExactlyOnce {
			a.dedup.Forget(id)
		}
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return p.ackPublish(a, level, id)
}

func (p *BasePolicy) ackPublish(a *Agent, level packets.Level, id uint64) error {
	switch level {
	case packets.AtLeastOnce:
		return a.SendDSTWithID(packets.PushMessageAckType, false, id, emptyBody)
	case packets.ExactlyOnce:
		return a.SendDSTWithID(packets.ExactlyOnceMessageAckType, false, id, emptyBody)
	}
	return nil
}

// OnPushMessageAck clears an AT_LEAST_ONCE push. Unknown identifiers are ignored.
func (p *BasePolicy) OnPushMessageAck(_ context.Context, a *Agent, id uint64) error {
	return p.ack(a, id, a.registry.Ack(id))
}

// OnExactlyOnceMessageAck completes an EXACTLY_ONCE push. Unknown identifiers are ignored.
func (p *BasePolicy) OnExactlyOnceMessageAck(_ context.Context, a *Agent, id uint64) error {
	return p.ack(a, id, a.registry.AckExactlyOnce(id))
}

func (p *BasePolicy) ack(a *Agent, id uint64, err error) error {
	if errors.Is(err, broker.ErrUnknownIdentifier) {
		a.logger.Debug("acknowledgment for unknown identifier", slog.Uint64("identifier", id))
		return nil
	}
	return err
}

// OnPing replies PING_ACK with an empty body.
func (p *BasePolicy) OnPing(_ context.Context, a *Agent, _ *packets.Package) error {
	return a.SendDST(packets.PingAckType, false, emptyBody)
}

// OnDisconnect tears the connection down.
func (p *BasePolicy) OnDisconnect(_ context.Context, a *Agent) error {
	a.closeWith("normal")
	return nil
}

// OnProtocolViolation closes the connection without a diagnostic frame.
func (p *BasePolicy) OnProtocolViolation(_ context.Context, a *Agent, err error) {
	a.metrics.RecordError("protocol_violation")
	a.logger.Warn("protocol violation", slog.String("error", err.Error()))
	a.closeWith("protocol_violation")
}

// OnConnectRejected closes the connection without a diagnostic frame.
func (p *BasePolicy) OnConnectRejected(ctx context.Context, a *Agent, err error) {
	a.metrics.RecordError("connect_rejected")
	a.logger.Warn("connect rejected", slog.String("error", err.Error()))
	a.notify(ctx, events.ConnectRejected{
		ClientID:   a.ID(),
		Reason:     err.Error(),
		RemoteAddr: addrString(a.RemoteAddr()),
	})
	a.closeWith("connect_rejected")
}
