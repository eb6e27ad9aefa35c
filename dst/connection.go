// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dst provides the framed, package-level connection used by the
// DST broker on top of any byte-stream transport.
package dst

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxpush/dst/packets"
)

const controlBurst = 32

var (
	_ Connection = (*connection)(nil)

	ErrCannotEncodeNilPackage = errors.New("cannot encode nil package")
	ErrSendQueueFull          = errors.New("send queue full: client disconnected")
)

// Connection reads and writes DST packages over a network connection.
type Connection interface {
	PackageReader
	PackageWriter
	Close() error
	RemoteAddr() net.Addr
	LastActivity() time.Time
}

// PackageReader reads one decoded package at a time.
type PackageReader interface {
	ReadPackage() (*packets.Package, error)
}

// PackageWriter writes packages. Control packages (acks, ping replies)
// are prioritised over data packages (pushed messages).
type PackageWriter interface {
	WritePackage(pkg *packets.Package) error
	WriteDataPackage(pkg *packets.Package, onSent func()) error
}

// Options configures a connection.
type Options struct {
	// QueueSize <= 0 keeps synchronous writes; > 0 enables an asynchronous send loop.
	QueueSize int
	// DisconnectOnFull closes slow consumers instead of blocking publishers.
	DisconnectOnFull bool
	// MaxPayload bounds inbound frame payloads.
	MaxPayload int
	// ReadTimeout closes idle connections; zero disables it.
	ReadTimeout time.Duration
}

type sendItem struct {
	pkg    *packets.Package
	onSent func()
}

type connection struct {
	conn        net.Conn
	decoder     *packets.Decoder
	readTimeout time.Duration

	sendMu           sync.Mutex
	controlCh        chan sendItem
	dataCh           chan sendItem
	closeCh          chan struct{}
	closeOnce        sync.Once
	sendWg           sync.WaitGroup
	disconnectOnFull bool
	closed           atomic.Bool

	lastActivity atomic.Int64
}

// NewConnection wraps conn with DST framing.
func NewConnection(conn net.Conn, opts Options) Connection {
	c := &connection{
		conn:             conn,
		decoder:          packets.NewDecoder(opts.MaxPayload),
		readTimeout:      opts.ReadTimeout,
		disconnectOnFull: opts.DisconnectOnFull,
	}
	c.touch()

	if opts.QueueSize > 0 {
		controlCap := max(opts.QueueSize/4, 1)
		c.controlCh = make(chan sendItem, controlCap)
		c.dataCh = make(chan sendItem, opts.QueueSize)
		c.closeCh = make(chan struct{})

		c.sendWg.Add(1)
		go c.sendLoop()
	}

	return c
}

// ReadPackage blocks until a whole package has arrived.
func (c *connection) ReadPackage() (*packets.Package, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	pkg, err := c.decoder.ReadPackage(c.conn)
	if err != nil {
		return nil, err
	}
	c.touch()
	return pkg, nil
}

func (c *connection) WritePackage(pkg *packets.Package) error {
	if pkg == nil {
		return ErrCannotEncodeNilPackage
	}

	if c.controlCh == nil {
		return c.writeSync(pkg, nil)
	}

	if c.closed.Load() {
		return net.ErrClosed
	}

	select {
	case c.controlCh <- sendItem{pkg: pkg}:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

func (c *connection) WriteDataPackage(pkg *packets.Package, onSent func()) error {
	if pkg == nil {
		return ErrCannotEncodeNilPackage
	}

	if c.dataCh == nil {
		return c.writeSync(pkg, onSent)
	}

	if c.closed.Load() {
		return net.ErrClosed
	}

	item := sendItem{pkg: pkg, onSent: onSent}
	if c.disconnectOnFull {
		select {
		case c.dataCh <- item:
			return nil
		case <-c.closeCh:
			return net.ErrClosed
		default:
			c.markClosed()
			_ = c.conn.Close()
			return ErrSendQueueFull
		}
	}

	select {
	case c.dataCh <- item:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

func (c *connection) writeSync(pkg *packets.Package, onSent func()) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}

	if err := pkg.Pack(c.conn); err != nil {
		return err
	}
	if onSent != nil {
		onSent()
	}
	return nil
}

func (c *connection) sendLoop() {
	defer c.sendWg.Done()

	for {
		controlCount := 0

		for draining := true; draining && controlCount < controlBurst; {
			select {
			case <-c.closeCh:
				return
			case item := <-c.controlCh:
				if !c.doWrite(item) {
					return
				}
				controlCount++
			default:
				draining = false
			}
		}

		if controlCount == controlBurst {
			select {
			case <-c.closeCh:
				return
			case item := <-c.dataCh:
				if !c.doWrite(item) {
					return
				}
			default:
			}
			continue
		}

		select {
		case <-c.closeCh:
			return
		case item := <-c.controlCh:
			if !c.doWrite(item) {
				return
			}
		case item := <-c.dataCh:
			if !c.doWrite(item) {
				return
			}
		}
	}
}

func (c *connection) doWrite(item sendItem) bool {
	if err := item.pkg.Pack(c.conn); err != nil {
		c.markClosed()
		_ = c.conn.Close()
		return false
	}
	if item.onSent != nil {
		item.onSent()
	}
	return true
}

func (c *connection) markClosed() {
	c.closed.Store(true)
	if c.closeCh != nil {
		c.closeOnce.Do(func() {
			close(c.closeCh)
		})
	}
}

func (c *connection) Close() error {
	c.markClosed()
	err := c.conn.Close()
	if c.controlCh != nil {
		c.sendWg.Wait()
	}
	return err
}

func (c *connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}
