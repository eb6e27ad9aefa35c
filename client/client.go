// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is a DST client: it connects to a broker, publishes at any
// delivery level and acknowledges the pushes it receives.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxpush/dst/agent"
	"github.com/absmach/fluxpush/dst/grammar"
	"github.com/absmach/fluxpush/dst/packets"
)

// Client is a thread-safe DST client.
type Client struct {
	opts *Options

	state *stateManager

	conn    net.Conn
	dec     *packets.Decoder
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending *pendingStore
	dedup   *agent.Deduplicator

	pingMu  sync.Mutex
	pingAck chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	serverIdx int
}

// New creates a client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		opts:    opts,
		state:   newStateManager(),
		pending: newPendingStore(opts.MaxInflight),
	}, nil
}

// Connect dials the first reachable server, sends CONNECT and waits for
// CONNECT_ACK. The broker closes the connection instead of acknowledging
// rejected credentials, which surfaces as ErrConnectRejected.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transition(StateConnecting, StateDisconnected) {
		return ErrAlreadyConnected
	}

	if err := c.doConnect(ctx); err != nil {
		c.state.set(StateDisconnected)
		return err
	}

	dedup, err := agent.NewDeduplicator(c.opts.DedupWindow)
	if err != nil {
		c.closeConn()
		c.state.set(StateDisconnected)
		return err
	}
	c.dedup = dedup
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.state.set(StateConnected)

	go c.readLoop(c.stopCh, c.doneCh)
	if c.opts.KeepAlive > 0 {
		go c.keepAlive(c.stopCh)
	}

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}
	return nil
}

func (c *Client) doConnect(ctx context.Context) error {
	var lastErr error
	for i := range c.opts.Servers {
		idx := (c.serverIdx + i) % len(c.opts.Servers)
		err := c.connectToServer(ctx, c.opts.Servers[idx])
		if err == nil {
			c.serverIdx = idx
			return nil
		}
		if errors.Is(err, ErrConnectRejected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrConnectFailed, lastErr)
}

func (c *Client) connectToServer(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.opts.Dial(ctx, addr)
	if err != nil {
		return err
	}

	body, err := grammar.Plain(c.opts.Username, c.opts.Password)
	if err != nil {
		conn.Close()
		return err
	}
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	conn.SetDeadline(deadline)
	if err := packets.New(packets.ConnectType, packets.NoConfirm, false, body.Bytes()).Pack(conn); err != nil {
		conn.Close()
		return err
	}

	dec := packets.NewDecoder(c.opts.MaxPayload)
	ack, err := dec.ReadPackage(conn)
	if err != nil {
		conn.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrConnectRejected
		}
		return err
	}
	if ack.Type() != packets.ConnectAckType {
		conn.Close()
		return fmt.Errorf("%w: %s while waiting for CONNECT_ACK", ErrUnexpectedPackage, ack.Type())
	}
	conn.SetDeadline(time.Time{})

	c.connMu.Lock()
	c.conn = conn
	c.dec = dec
	c.connMu.Unlock()
	return nil
}

// Disconnect sends DISCONNECT and closes the connection. The client may
// connect again afterwards.
func (c *Client) Disconnect() error {
	if !c.state.transition(StateDisconnecting, StateConnected) {
		return ErrNotConnected
	}
	c.writePackage(packets.New(packets.DisconnectType, packets.NoConfirm, false))
	c.shutdown(ErrNotConnected)
	c.state.set(StateDisconnected)
	return nil
}

// Close disconnects if needed and makes the client unusable.
func (c *Client) Close() error {
	prev := c.state.get()
	if prev == StateClosed {
		return nil
	}
	if prev == StateConnected {
		c.Disconnect()
	}
	c.state.set(StateClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	close(c.stopCh)
	c.closeConn()
	<-c.doneCh
	c.pending.clear(err)
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// IsConnected reports whether the client holds an acknowledged connection.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state.get()
}

// Inflight returns the number of publishes waiting for acknowledgment.
func (c *Client) Inflight() int {
	return c.pending.count()
}

// Publish sends message on topic. NO_CONFIRM publishes return once
// written; AT_LEAST_ONCE and EXACTLY_ONCE publishes block until the broker
// acknowledges them, resending up to PublishRetries times with the same
// identifier.
func (c *Client) Publish(topic string, message []byte, level packets.Level, retain bool) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if !level.Valid() {
		return ErrInvalidLevel
	}
	body, err := grammar.Plain(topic, string(message))
	if err != nil {
		return err
	}

	if !level.RequiresAck() {
		return c.writePackage(packets.New(packets.PublishType, level, retain, body.Bytes()))
	}

	ackType := packets.PushMessageAckType
	if level == packets.ExactlyOnce {
		ackType = packets.ExactlyOnceMessageAckType
	}
	op, err := c.pending.add(ackType)
	if err != nil {
		return err
	}
	pkg := packets.NewWithID(packets.PublishType, level, retain, op.id, body.Bytes())

	for attempt := 0; ; attempt++ {
		if err := c.writePackage(pkg); err != nil {
			c.pending.remove(op.id)
			return err
		}
		err := op.wait(c.opts.AckTimeout)
		if errors.Is(err, ErrTimeout) && attempt < c.opts.PublishRetries {
			continue
		}
		if err != nil {
			c.pending.remove(op.id)
		}
		return err
	}
}

// Subscribe registers interest in topic. The broker does not acknowledge
// subscriptions; a retained message, if any, arrives as a push.
func (c *Client) Subscribe(topic string) error {
	return c.sendTopic(packets.SubscribeType, topic)
}

// Unsubscribe removes interest in topic.
func (c *Client) Unsubscribe(topic string) error {
	return c.sendTopic(packets.UnsubscribeType, topic)
}

func (c *Client) sendTopic(typ packets.Type, topic string) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	body, err := grammar.Plain(topic)
	if err != nil {
		return err
	}
	return c.writePackage(packets.New(typ, packets.NoConfirm, false, body.Bytes()))
}

// Ping sends PING and waits for PING_ACK until ctx is done.
func (c *Client) Ping(ctx context.Context) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}

	c.pingMu.Lock()
	if c.pingAck == nil {
		c.pingAck = make(chan struct{})
	}
	ack := c.pingAck
	done := c.doneCh
	c.pingMu.Unlock()

	if err := c.writePackage(packets.New(packets.PingType, packets.NoConfirm, false)); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrConnectionLost
	}
}

func (c *Client) writePackage(pkg *packets.Package) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return pkg.Pack(conn)
}

func (c *Client) readLoop(stop chan struct{}, done chan<- struct{}) {
	defer close(done)

	c.connMu.RLock()
	conn, dec := c.conn, c.dec
	c.connMu.RUnlock()

	for {
		pkg, err := dec.ReadPackage(conn)
		if err != nil {
			select {
			case <-stop:
			default:
				c.connectionLost(stop, err)
			}
			return
		}
		c.handlePackage(pkg)
	}
}

func (c *Client) handlePackage(pkg *packets.Package) {
	switch pkg.Type() {
	case packets.PushMessageType, packets.ExactlyOnceMessageType:
		c.handlePush(pkg)
	case packets.PushMessageAckType, packets.ExactlyOnceMessageAckType:
		id, _ := pkg.Identifier()
		c.pending.complete(id, pkg.Type())
	case packets.PingAckType:
		c.pingMu.Lock()
		if c.pingAck != nil {
			close(c.pingAck)
			c.pingAck = nil
		}
		c.pingMu.Unlock()
	}
}

// handlePush delivers a push and acknowledges it when it carries an
// identifier. An EXACTLY_ONCE push seen before is acknowledged again but
// not delivered.
func (c *Client) handlePush(pkg *packets.Package) {
	id, hasID := pkg.Identifier()
	exactlyOnce := pkg.Type() == packets.ExactlyOnceMessageType

	if !exactlyOnce || !c.dedup.Seen(id) {
		if msg, err := parsePush(pkg); err == nil && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}

	if !hasID {
		return
	}
	ack := packets.PushMessageAckType
	if exactlyOnce {
		ack = packets.ExactlyOnceMessageAckType
	}
	c.writePackage(packets.NewWithID(ack, packets.NoConfirm, false, id))
}

func parsePush(pkg *packets.Package) (*Message, error) {
	body, err := grammar.Parse(pkg.Payload())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPush, err)
	}
	topic, ok := body.At(0)
	if !ok || body.Len() != 2 {
		return nil, ErrMalformedPush
	}
	message, _ := body.At(1)
	return &Message{
		Topic:    topic,
		Payload:  []byte(message),
		Level:    pkg.Level(),
		Retained: pkg.Retain(),
	}, nil
}

func (c *Client) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writePackage(packets.New(packets.PingType, packets.NoConfirm, false))
		}
	}
}

func (c *Client) connectionLost(stop chan struct{}, err error) {
	if !c.state.transition(StateDisconnecting, StateConnected) {
		return
	}
	close(stop)
	c.closeConn()
	c.pending.clear(ErrConnectionLost)
	c.state.set(StateDisconnected)
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
}
