// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxpush/auth"
	"github.com/absmach/fluxpush/config"
	"github.com/absmach/fluxpush/dst"
	"github.com/absmach/fluxpush/dst/agent"
	"github.com/absmach/fluxpush/dst/broker"
	"github.com/absmach/fluxpush/dst/grammar"
	"github.com/absmach/fluxpush/dst/packets"
	"github.com/absmach/fluxpush/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// client is the remote end of an agent under test.
type client struct {
	t     *testing.T
	agent *agent.Agent
	conn  net.Conn
	dec   *packets.Decoder
	done  chan error
}

func newClient(t *testing.T, hall *broker.Hall, policy agent.Policy, opts agent.Options) *client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	a, err := agent.New(dst.NewConnection(serverConn, dst.Options{QueueSize: 16}), hall, policy, opts)
	require.NoError(t, err)

	c := &client{
		t:     t,
		agent: a,
		conn:  clientConn,
		dec:   packets.NewDecoder(0),
		done:  make(chan error, 1),
	}
	go func() { c.done <- a.Serve(context.Background()) }()
	t.Cleanup(func() { a.Close() })
	return c
}

func newHall(t *testing.T) *broker.Hall {
	hall := broker.NewHall(nil, broker.Options{}, nil, nil, nil, nil)
	t.Cleanup(func() { hall.Close() })
	return hall
}

func body(t *testing.T, values ...string) []byte {
	p, err := grammar.Plain(values...)
	require.NoError(t, err)
	return p.Bytes()
}

func (c *client) send(pkg *packets.Package) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(waitFor)))
	require.NoError(c.t, pkg.Pack(c.conn))
}

func (c *client) connect(user, pass string) {
	c.t.Helper()
	c.send(packets.New(packets.ConnectType, packets.NoConfirm, false, body(c.t, user, pass)))
	ack := c.expect()
	require.Equal(c.t, packets.ConnectAckType, ack.Type())
}

func (c *client) subscribe(hall *broker.Hall, topic string) {
	c.t.Helper()
	before := hall.Subscribers(topic)
	c.send(packets.New(packets.SubscribeType, packets.NoConfirm, false, body(c.t, topic)))
	require.Eventually(c.t, func() bool { return hall.Subscribers(topic) > before }, waitFor, time.Millisecond)
}

func (c *client) expect() *packets.Package {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	pkg, err := c.dec.ReadPackage(c.conn)
	require.NoError(c.t, err)
	return pkg
}

func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := c.dec.ReadPackage(c.conn)
	require.ErrorIs(c.t, err, io.EOF)
}

func (c *client) serveResult() error {
	c.t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitFor):
		c.t.Fatal("Serve did not return")
		return nil
	}
}

func TestConnectEchoesIdentifier(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})
	assert.Equal(t, agent.AwaitingConnect, c.agent.State())

	c.send(packets.NewWithID(packets.ConnectType, packets.NoConfirm, false, 7, body(t, "alice", "secret")))

	ack := c.expect()
	assert.Equal(t, packets.ConnectAckType, ack.Type())
	id, ok := ack.Identifier()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, "-OK\n", string(ack.Payload()))

	require.Eventually(t, func() bool { return c.agent.State() == agent.Connected }, waitFor, time.Millisecond)
	assert.Equal(t, "alice", c.agent.Username())
}

func TestConnectWithoutIdentifier(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})

	c.send(packets.New(packets.ConnectType, packets.NoConfirm, false, body(t, "bob", "")))

	ack := c.expect()
	assert.Equal(t, packets.ConnectAckType, ack.Type())
	_, ok := ack.Identifier()
	assert.False(t, ok)
}

func TestConnectRejected(t *testing.T) {
	hall := newHall(t)
	engine := auth.NewEngine(auth.NewStatic(map[string]string{"alice": "secret"}), nil)
	c := newClient(t, hall, agent.NewBasePolicy(engine, nil), agent.Options{})

	c.send(packets.New(packets.ConnectType, packets.NoConfirm, false, body(t, "alice", "wrong")))

	c.expectClosed()
	err := c.serveResult()
	assert.ErrorIs(t, err, agent.ErrConnectRejected)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, agent.Disconnected, c.agent.State())
}

func TestProtocolViolations(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		pkg       func(t *testing.T) *packets.Package
	}{
		{
			name: "subscribe before connect",
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.SubscribeType, packets.NoConfirm, false, body(t, "news"))
			},
		},
		{
			name: "publish before connect",
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.PublishType, packets.NoConfirm, false, body(t, "news", "hi"))
			},
		},
		{
			name: "connect arity",
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.ConnectType, packets.NoConfirm, false, body(t, "alice"))
			},
		},
		{
			name: "connect grammar",
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.ConnectType, packets.NoConfirm, false, []byte("alice\nsecret\n"))
			},
		},
		{
			name: "connect keyed element",
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.ConnectType, packets.NoConfirm, false, []byte("user-alice\n-secret\n"))
			},
		},
		{
			name:      "second connect",
			connected: true,
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.ConnectType, packets.NoConfirm, false, body(t, "alice", "secret"))
			},
		},
		{
			name:      "subscribe arity",
			connected: true,
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.SubscribeType, packets.NoConfirm, false, body(t, "a", "b"))
			},
		},
		{
			name:      "empty topic",
			connected: true,
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.PublishType, packets.NoConfirm, false, body(t, "", "hi"))
			},
		},
		{
			name:      "server originated type",
			connected: true,
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.PushMessageType, packets.NoConfirm, false, body(t, "news", "hi"))
			},
		},
		{
			name:      "unterminated body",
			connected: true,
			pkg: func(t *testing.T) *packets.Package {
				return packets.New(packets.PublishType, packets.NoConfirm, false, []byte("-news\n-hi"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hall := newHall(t)
			c := newClient(t, hall, nil, agent.Options{})
			if tt.connected {
				c.connect("alice", "secret")
			}

			c.send(tt.pkg(t))

			c.expectClosed()
			assert.ErrorIs(t, c.serveResult(), agent.ErrProtocolViolation)
			assert.Equal(t, agent.Disconnected, c.agent.State())
		})
	}
}

func TestFrameErrorClosesConnection(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})

	_, err := c.conn.Write([]byte{0xee, 0, 0})
	require.NoError(t, err)

	c.expectClosed()
	assert.True(t, packets.IsFrameError(c.serveResult()))
}

func TestPingBeforeConnect(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})

	c.send(packets.New(packets.PingType, packets.NoConfirm, false))

	ack := c.expect()
	assert.Equal(t, packets.PingAckType, ack.Type())
	assert.Empty(t, ack.Payload())
	assert.Equal(t, agent.AwaitingConnect, c.agent.State())
}

func TestDefaultLevelAssignsIdentifiers(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{DefaultLevel: packets.AtLeastOnce})

	c.send(packets.New(packets.PingType, packets.NoConfirm, false))
	c.send(packets.New(packets.PingType, packets.NoConfirm, false))

	first, second := c.expect(), c.expect()
	assert.Equal(t, packets.AtLeastOnce, first.Level())
	id1, ok1 := first.Identifier()
	id2, ok2 := second.Identifier()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.NotEqual(t, id1, id2)
}

func TestInvalidDefaultLevel(t *testing.T) {
	hall := newHall(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := agent.New(dst.NewConnection(serverConn, dst.Options{}), hall, nil, agent.Options{DefaultLevel: packets.Level(7)})
	assert.ErrorIs(t, err, packets.ErrInvalidLevel)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	hall := newHall(t)
	sub := newClient(t, hall, nil, agent.Options{})
	pub := newClient(t, hall, nil, agent.Options{})
	sub.connect("sub", "")
	pub.connect("pub", "")
	sub.subscribe(hall, "news")

	pub.send(packets.New(packets.PublishType, packets.NoConfirm, false, body(t, "news", "hello")))

	push := sub.expect()
	assert.Equal(t, packets.PushMessageType, push.Type())
	assert.False(t, push.Retain())
	assert.Equal(t, "-news\n-hello\n", string(push.Payload()))
}

func TestPublishAcknowledgments(t *testing.T) {
	tests := []struct {
		name  string
		level packets.Level
		ack   packets.Type
	}{
		{name: "at least once", level: packets.AtLeastOnce, ack: packets.PushMessageAckType},
		{name: "exactly once", level: packets.ExactlyOnce, ack: packets.ExactlyOnceMessageAckType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hall := newHall(t)
			c := newClient(t, hall, nil, agent.Options{})
			c.connect("pub", "")

			c.send(packets.NewWithID(packets.PublishType, tt.level, false, 42, body(t, "news", "hi")))

			ack := c.expect()
			assert.Equal(t, tt.ack, ack.Type())
			id, ok := ack.Identifier()
			assert.True(t, ok)
			assert.Equal(t, uint64(42), id)
		})
	}
}

func TestExactlyOnceDuplicatePublishNotRerouted(t *testing.T) {
	hall := newHall(t)
	sub := newClient(t, hall, nil, agent.Options{})
	pub := newClient(t, hall, nil, agent.Options{})
	sub.connect("sub", "")
	pub.connect("pub", "")
	sub.subscribe(hall, "orders")

	dup := packets.NewWithID(packets.PublishType, packets.ExactlyOnce, false, 9, body(t, "orders", "o-1"))
	pub.send(dup)
	assert.Equal(t, packets.ExactlyOnceMessageAckType, pub.expect().Type())
	pub.send(dup)
	assert.Equal(t, packets.ExactlyOnceMessageAckType, pub.expect().Type())

	pub.send(packets.New(packets.PublishType, packets.NoConfirm, false, body(t, "orders", "marker")))

	first := sub.expect()
	assert.Equal(t, packets.ExactlyOnceMessageType, first.Type())
	assert.Equal(t, "-orders\n-o-1\n", string(first.Payload()))

	second := sub.expect()
	assert.Equal(t, packets.PushMessageType, second.Type())
	assert.Equal(t, "-orders\n-marker\n", string(second.Payload()))
	assert.Equal(t, uint64(2), hall.Stats().Snapshot().Publishes)
}

func TestPushAcknowledgmentClearsInflight(t *testing.T) {
	hall := newHall(t)
	sub := newClient(t, hall, nil, agent.Options{})
	pub := newClient(t, hall, nil, agent.Options{})
	sub.connect("sub", "")
	pub.connect("pub", "")
	sub.subscribe(hall, "news")

	pub.send(packets.NewWithID(packets.PublishType, packets.AtLeastOnce, false, 1, body(t, "news", "hi")))
	pub.expect()

	push := sub.expect()
	require.Equal(t, packets.PushMessageType, push.Type())
	id, ok := push.Identifier()
	require.True(t, ok)
	assert.Equal(t, 1, sub.agent.Registry().Inflight())

	sub.send(packets.NewWithID(packets.PushMessageAckType, packets.AtLeastOnce, false, id))
	require.Eventually(t, func() bool { return sub.agent.Registry().Inflight() == 0 }, waitFor, time.Millisecond)
}

func TestConnectAckIdentifierDoesNotClearPush(t *testing.T) {
	hall := newHall(t)
	sub := newClient(t, hall, nil, agent.Options{DefaultLevel: packets.AtLeastOnce})
	pub := newClient(t, hall, nil, agent.Options{})

	sub.send(packets.New(packets.ConnectType, packets.NoConfirm, false, body(t, "sub", "")))
	connAck := sub.expect()
	require.Equal(t, packets.ConnectAckType, connAck.Type())
	connID, ok := connAck.Identifier()
	require.True(t, ok)

	pub.connect("pub", "")
	sub.subscribe(hall, "news")
	pub.send(packets.NewWithID(packets.PublishType, packets.AtLeastOnce, false, 1, body(t, "news", "hi")))
	pub.expect()

	push := sub.expect()
	require.Equal(t, packets.PushMessageType, push.Type())
	pushID, ok := push.Identifier()
	require.True(t, ok)
	assert.NotEqual(t, connID, pushID)

	sub.send(packets.NewWithID(packets.PushMessageAckType, packets.AtLeastOnce, false, connID))
	sub.send(packets.New(packets.PingType, packets.NoConfirm, false))
	ping := sub.expect()
	require.Equal(t, packets.PingAckType, ping.Type())
	pingID, _ := ping.Identifier()
	assert.NotEqual(t, pushID, pingID)
	assert.Equal(t, 1, sub.agent.Registry().Inflight())

	sub.send(packets.NewWithID(packets.PushMessageAckType, packets.AtLeastOnce, false, pushID))
	require.Eventually(t, func() bool { return sub.agent.Registry().Inflight() == 0 }, waitFor, time.Millisecond)
}

func TestCloseWhilePushBlockedOnPeer(t *testing.T) {
	hall := newHall(t)
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	a, err := agent.New(dst.NewConnection(serverConn, dst.Options{}), hall, nil, agent.Options{})
	require.NoError(t, err)
	c := &client{t: t, agent: a, conn: clientConn, dec: packets.NewDecoder(0), done: make(chan error, 1)}
	go func() { c.done <- a.Serve(context.Background()) }()

	c.connect("sub", "")
	c.subscribe(hall, "news")

	published := make(chan struct{})
	go func() {
		_ = hall.Publish(context.Background(), "news", []byte("unread"), packets.NoConfirm, false)
		close(published)
	}()
	require.Never(t, func() bool {
		select {
		case <-published:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close blocked behind a push to the same connection")
	}
	select {
	case <-published:
	case <-time.After(waitFor):
		t.Fatal("publish did not return after the connection closed")
	}

	assert.Equal(t, 0, hall.Subscribers("news"))
	next := make(chan error, 1)
	go func() { next <- hall.Publish(context.Background(), "news", []byte("later"), packets.NoConfirm, false) }()
	select {
	case err := <-next:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("publish blocked on the topic after teardown")
	}
	assert.NoError(t, c.serveResult())
}

func TestUnknownAcknowledgmentIgnored(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})
	c.connect("alice", "")

	c.send(packets.NewWithID(packets.ExactlyOnceMessageAckType, packets.ExactlyOnce, false, 999))
	c.send(packets.New(packets.PingType, packets.NoConfirm, false))

	assert.Equal(t, packets.PingAckType, c.expect().Type())
	assert.Equal(t, agent.Connected, c.agent.State())
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	hall := newHall(t)
	pub := newClient(t, hall, nil, agent.Options{})
	pub.connect("pub", "")
	pub.send(packets.NewWithID(packets.PublishType, packets.AtLeastOnce, true, 1, body(t, "status", "up")))
	pub.expect()

	sub := newClient(t, hall, nil, agent.Options{})
	sub.connect("sub", "")
	sub.send(packets.New(packets.SubscribeType, packets.NoConfirm, false, body(t, "status")))

	push := sub.expect()
	assert.True(t, push.Retain())
	assert.Equal(t, "-status\n-up\n", string(push.Payload()))
}

func TestDisconnectDestroysRegistry(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})
	c.connect("alice", "")
	c.subscribe(hall, "news")

	c.send(packets.New(packets.DisconnectType, packets.NoConfirm, false))

	c.expectClosed()
	assert.NoError(t, c.serveResult())
	assert.Equal(t, agent.Disconnected, c.agent.State())
	assert.Equal(t, 0, hall.Subscribers("news"))
}

func TestServeEndsOnEOF(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, nil, agent.Options{})
	c.connect("alice", "")
	c.subscribe(hall, "news")

	require.NoError(t, c.conn.Close())

	assert.NoError(t, c.serveResult())
	assert.Equal(t, 0, hall.Subscribers("news"))
}

func TestServeEndsOnContextCancel(t *testing.T) {
	hall := newHall(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	a, err := agent.New(dst.NewConnection(serverConn, dst.Options{}), hall, nil, agent.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, agent.Disconnected, a.State())
	assert.NoError(t, a.Close())
}

func TestRateLimitedPublishDropped(t *testing.T) {
	hall := newHall(t)
	limiter := ratelimit.NewAgentLimiter(
		config.ClientLimit{Enabled: true, Rate: 0.001, Burst: 1},
		config.ClientLimit{},
	)
	c := newClient(t, hall, nil, agent.Options{Limiter: limiter})
	c.connect("alice", "")

	c.send(packets.NewWithID(packets.PublishType, packets.AtLeastOnce, false, 1, body(t, "news", "a")))
	c.send(packets.NewWithID(packets.PublishType, packets.AtLeastOnce, false, 2, body(t, "news", "b")))
	c.send(packets.New(packets.PingType, packets.NoConfirm, false))

	ack := c.expect()
	id, _ := ack.Identifier()
	assert.Equal(t, packets.PushMessageAckType, ack.Type())
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, packets.PingAckType, c.expect().Type())

	c.agent.Close()
	assert.Equal(t, 0, limiter.Len())
}

// gatedPolicy refuses subscriptions to topics under "private/" and counts
// routed publishes.
type gatedPolicy struct {
	*agent.BasePolicy
	published atomic.Int32
}

func (p *gatedPolicy) OnSubscribe(ctx context.Context, a *agent.Agent, topic string) error {
	if strings.HasPrefix(topic, "private/") {
		return nil
	}
	return p.BasePolicy.OnSubscribe(ctx, a, topic)
}

func (p *gatedPolicy) OnPublish(ctx context.Context, a *agent.Agent, pkg *packets.Package, topic string, message []byte) error {
	p.published.Add(1)
	return p.BasePolicy.OnPublish(ctx, a, pkg, topic, message)
}

func TestCustomPolicy(t *testing.T) {
	hall := newHall(t)
	policy := &gatedPolicy{BasePolicy: agent.NewBasePolicy(nil, nil)}
	c := newClient(t, hall, policy, agent.Options{})
	c.connect("alice", "")

	c.send(packets.New(packets.SubscribeType, packets.NoConfirm, false, body(t, "private/x")))
	c.subscribe(hall, "public")
	assert.Equal(t, 0, hall.Subscribers("private/x"))
	assert.Equal(t, []string{"public"}, c.agent.Registry().Topics())

	c.send(packets.New(packets.PublishType, packets.NoConfirm, false, body(t, "public", "hi")))
	push := c.expect()
	assert.Equal(t, "-public\n-hi\n", string(push.Payload()))
	assert.Equal(t, int32(1), policy.published.Load())
}

// failingPolicy fails every publish.
type failingPolicy struct {
	*agent.BasePolicy
}

var errBackend = errors.New("backend down")

func (p *failingPolicy) OnPublish(ctx context.Context, a *agent.Agent, pkg *packets.Package, topic string, message []byte) error {
	return errBackend
}

func TestPolicyErrorKeepsConnection(t *testing.T) {
	hall := newHall(t)
	c := newClient(t, hall, &failingPolicy{BasePolicy: agent.NewBasePolicy(nil, nil)}, agent.Options{})
	c.connect("alice", "")

	c.send(packets.New(packets.PublishType, packets.NoConfirm, false, body(t, "news", "hi")))
	c.send(packets.New(packets.PingType, packets.NoConfirm, false))

	assert.Equal(t, packets.PingAckType, c.expect().Type())
	assert.Equal(t, agent.Connected, c.agent.State())
}
