// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the per-connection DST protocol state machine.
// An Agent reads packages from its connection sequentially, validates them
// against the current state and the DST grammar, and dispatches them to a
// Policy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxpush/broker/events"
	"github.com/absmach/fluxpush/dst"
	"github.com/absmach/fluxpush/dst/broker"
	"github.com/absmach/fluxpush/dst/grammar"
	"github.com/absmach/fluxpush/dst/packets"
	"github.com/absmach/fluxpush/ratelimit"
	"github.com/absmach/fluxpush/server/otel"
	"github.com/google/uuid"
)

// State is the protocol state of a connection.
type State int32

const (
	AwaitingConnect State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case AwaitingConnect:
		return "awaiting_connect"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures an Agent.
type Options struct {
	// DefaultLevel is the envelope level of packages the agent originates.
	DefaultLevel packets.Level
	// DedupWindow bounds the EXACTLY_ONCE publish identifiers remembered.
	DedupWindow int
	// Transport names the listener in metrics ("tcp", "websocket").
	Transport string

	Limiter  ratelimit.OperationLimiter // nil disables operation limits
	Logger   *slog.Logger
	Metrics  *otel.Metrics   // nil if metrics disabled
	Notifier broker.Notifier // nil if webhooks disabled
}

var _ broker.Sink = (*Agent)(nil)

// Agent is the server side of one DST connection.
type Agent struct {
	id        string
	conn      dst.Connection
	policy    Policy
	publisher broker.Publisher
	registry  *broker.Registry
	dedup     *Deduplicator
	level     packets.Level
	transport string
	limiter   ratelimit.OperationLimiter
	logger    *slog.Logger
	metrics   *otel.Metrics
	notifier  broker.Notifier

	state    atomic.Int32
	username atomic.Value // string

	closeOnce sync.Once
}

// New creates an agent for conn. The agent registers with hall and routes
// its publishes through it.
func New(conn dst.Connection, hall *broker.Hall, policy Policy, opts Options) (*Agent, error) {
	dedup, err := NewDeduplicator(opts.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create deduplicator: %w", err)
	}
	if !opts.DefaultLevel.Valid() {
		return nil, fmt.Errorf("default level: %w", packets.ErrInvalidLevel)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if policy == nil {
		policy = NewBasePolicy(nil, opts.Logger)
	}

	a := &Agent{
		id:        uuid.NewString(),
		conn:      conn,
		policy:    policy,
		publisher: hall,
		dedup:     dedup,
		level:     opts.DefaultLevel,
		transport: opts.Transport,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
	}
	a.logger = opts.Logger.With(slog.String("agent", a.id))
	a.username.Store("")
	a.registry = hall.NewRegistry(a)
	return a, nil
}

// ID returns the agent's unique identifier.
func (a *Agent) ID() string { return a.id }

// State returns the current protocol state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Username returns the username accepted at CONNECT.
func (a *Agent) Username() string { return a.username.Load().(string) }

// Registry returns the agent's subscription registry.
func (a *Agent) Registry() *broker.Registry { return a.registry }

// Publisher returns the publisher PUBLISH packages are routed to.
func (a *Agent) Publisher() broker.Publisher { return a.publisher }

// RemoteAddr returns the peer address.
func (a *Agent) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }

// Logger returns the agent-scoped logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Deliver queues a push for the connection.
func (a *Agent) Deliver(pkg *packets.Package) error {
	return a.conn.WriteDataPackage(pkg, nil)
}

// SendDST wraps body in a package of type typ at the connection's default
// level. When the default level requires acknowledgment a fresh identifier
// is attached.
func (a *Agent) SendDST(typ packets.Type, retain bool, body *grammar.Package) error {
	if a.level.RequiresAck() {
		return a.SendDSTWithID(typ, retain, a.registry.NextID(), body)
	}
	return a.conn.WritePackage(packets.New(typ, a.level, retain, body.Bytes()))
}

// SendDSTWithID is SendDST with a caller-chosen identifier.
func (a *Agent) SendDSTWithID(typ packets.Type, retain bool, id uint64, body *grammar.Package) error {
	return a.conn.WritePackage(packets.NewWithID(typ, a.level, retain, id, body.Bytes()))
}

// Serve reads and dispatches packages until the connection ends. It returns
// nil on DISCONNECT, end of stream or ctx cancellation, and the cause of
// teardown otherwise.
func (a *Agent) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.closeWith("shutdown") })
	defer stop()

	for {
		pkg, err := a.conn.ReadPackage()
		if err != nil {
			if a.State() == Disconnected {
				return nil
			}
			reason := readFailure(err)
			a.closeWith(reason)
			if reason == "eof" {
				return nil
			}
			a.logError("read_package", err, slog.String("reason", reason))
			return err
		}

		err = a.Handle(ctx, pkg)
		if a.State() == Disconnected {
			return err
		}
		if err != nil {
			a.logError("handle_package", err, slog.String("type", pkg.Type().String()))
		}
	}
}

// Handle validates pkg against the current state and dispatches it to the
// policy. Violations and rejections are passed to the policy's handlers
// before being returned.
func (a *Agent) Handle(ctx context.Context, pkg *packets.Package) error {
	err := a.dispatch(ctx, pkg)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectRejected):
		a.policy.OnConnectRejected(ctx, a, err)
	case errors.Is(err, ErrProtocolViolation):
		a.policy.OnProtocolViolation(ctx, a, err)
	}
	return err
}

func (a *Agent) dispatch(ctx context.Context, pkg *packets.Package) error {
	state := a.State()
	if state == Disconnected {
		return fmt.Errorf("%w: %s after disconnect", ErrProtocolViolation, pkg.Type())
	}

	switch pkg.Type() {
	case packets.PingType:
		return a.policy.OnPing(ctx, a, pkg)
	case packets.DisconnectType:
		return a.policy.OnDisconnect(ctx, a)
	case packets.ConnectType:
		if state != AwaitingConnect {
			return fmt.Errorf("%w: duplicate CONNECT", ErrProtocolViolation)
		}
		args, err := plainArgs(pkg, 2)
		if err != nil {
			return err
		}
		if err := a.policy.OnConnect(ctx, a, pkg, args[0], args[1]); err != nil {
			return err
		}
		a.connected(args[0])
		return nil
	}

	if state != Connected {
		return fmt.Errorf("%w: %s before CONNECT", ErrProtocolViolation, pkg.Type())
	}

	switch pkg.Type() {
	case packets.SubscribeType, packets.UnsubscribeType:
		args, err := plainArgs(pkg, 1)
		if err != nil {
			return err
		}
		if args[0] == "" {
			return fmt.Errorf("%w: empty topic", ErrProtocolViolation)
		}
		if pkg.Type() == packets.SubscribeType {
			return a.policy.OnSubscribe(ctx, a, args[0])
		}
		return a.policy.OnUnsubscribe(ctx, a, args[0])
	case packets.PublishType:
		args, err := plainArgs(pkg, 2)
		if err != nil {
			return err
		}
		if args[0] == "" {
			return fmt.Errorf("%w: empty topic", ErrProtocolViolation)
		}
		return a.policy.OnPublish(ctx, a, pkg, args[0], []byte(args[1]))
	case packets.PushMessageAckType:
		id, _ := pkg.Identifier()
		return a.policy.OnPushMessageAck(ctx, a, id)
	case packets.ExactlyOnceMessageAckType:
		id, _ := pkg.Identifier()
		return a.policy.OnExactlyOnceMessageAck(ctx, a, id)
	default:
		return fmt.Errorf("%w: %s is not accepted from clients", ErrProtocolViolation, pkg.Type())
	}
}

// plainArgs parses the DST body of pkg and requires exactly n plain elements.
func plainArgs(pkg *packets.Package, n int) ([]string, error) {
	body, err := grammar.Parse(pkg.Payload())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if body.Len() != n {
		return nil, fmt.Errorf("%w: %s expects %d elements, got %d", ErrProtocolViolation, pkg.Type(), n, body.Len())
	}
	args := make([]string, n)
	for i := range args {
		v, ok := body.At(i)
		if !ok {
			return nil, fmt.Errorf("%w: %s element %d is keyed", ErrProtocolViolation, pkg.Type(), i)
		}
		args[i] = v
	}
	return args, nil
}

func (a *Agent) connected(username string) {
	a.username.Store(username)
	if !a.state.CompareAndSwap(int32(AwaitingConnect), int32(Connected)) {
		return
	}
	a.metrics.RecordConnection(a.transport)
	a.logger.Info("client_connected",
		slog.String("username", username),
		slog.String("remote_addr", addrString(a.RemoteAddr())))
	a.notify(context.Background(), events.ClientConnected{
		ClientID:   a.id,
		Username:   username,
		RemoteAddr: addrString(a.RemoteAddr()),
	})
}

// Close tears the connection down. Only the first call has an effect.
func (a *Agent) Close() error {
	a.closeWith("normal")
	return nil
}

// closeWith closes the connection, which fails any write blocked on the
// peer, then destroys the registry and its pending retransmissions.
func (a *Agent) closeWith(reason string) {
	a.closeOnce.Do(func() {
		prev := State(a.state.Swap(int32(Disconnected)))
		if err := a.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logError("close_connection", err)
		}
		a.registry.Destroy(context.Background())
		if a.limiter != nil {
			a.limiter.Forget(a.id)
		}
		a.metrics.RecordDisconnection(reason, prev == Connected)
		a.logger.Info("client_disconnected",
			slog.String("reason", reason),
			slog.String("state", prev.String()))
		a.notify(context.Background(), events.ClientDisconnected{
			ClientID:   a.id,
			Reason:     reason,
			RemoteAddr: addrString(a.RemoteAddr()),
		})
	})
}

func (a *Agent) allowPublish() bool {
	return a.limiter == nil || a.limiter.AllowPublish(a.id)
}

func (a *Agent) allowSubscribe() bool {
	return a.limiter == nil || a.limiter.AllowSubscribe(a.id)
}

func (a *Agent) notify(ctx context.Context, event any) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, event); err != nil {
		a.logError("notify", err)
	}
}

func (a *Agent) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		a.logger.Error(op, allAttrs...)
	}
}

func readFailure(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return "eof"
	case packets.IsFrameError(err):
		return "frame_error"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "error"
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
