// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net"
	"time"

	"github.com/absmach/fluxpush/dst/packets"
)

// Default values.
const (
	DefaultKeepAlive      = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultAckTimeout     = 10 * time.Second
	DefaultMaxInflight    = 100
	DefaultDedupWindow    = 1024
)

// DialFunc opens the transport connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures the DST client.
type Options struct {
	// Connection
	Servers        []string      // Broker addresses (host:port), tried in order
	Username       string        // CONNECT username
	Password       string        // CONNECT password
	Dial           DialFunc      // Transport dialer (nil for plain TCP)
	ConnectTimeout time.Duration // Timeout for dialing and CONNECT_ACK
	WriteTimeout   time.Duration // Timeout for a single package write
	KeepAlive      time.Duration // PING interval (0 to disable)
	MaxPayload     int           // Largest accepted push payload (0 for the decoder default)

	// Delivery
	AckTimeout     time.Duration // Time to wait for a publish acknowledgment
	PublishRetries int           // Resends of an unacknowledged publish
	MaxInflight    int           // Maximum unacknowledged publishes
	DedupWindow    int           // EXACTLY_ONCE push identifiers remembered

	// Callbacks
	OnConnect        func()             // Called after CONNECT_ACK
	OnConnectionLost func(error)        // Called when the connection drops
	OnMessage        func(msg *Message) // Called for every pushed message
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Servers:        []string{"localhost:7070"},
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		KeepAlive:      DefaultKeepAlive,
		AckTimeout:     DefaultAckTimeout,
		MaxInflight:    DefaultMaxInflight,
		DedupWindow:    DefaultDedupWindow,
	}
}

// SetServers sets the broker addresses.
func (o *Options) SetServers(servers ...string) *Options {
	o.Servers = servers
	return o
}

// SetCredentials sets the CONNECT username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetDial sets the transport dialer.
func (o *Options) SetDial(dial DialFunc) *Options {
	o.Dial = dial
	return o
}

// SetKeepAlive sets the PING interval.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetAckTimeout sets the publish acknowledgment timeout.
func (o *Options) SetAckTimeout(d time.Duration) *Options {
	o.AckTimeout = d
	return o
}

// SetPublishRetries sets how often an unacknowledged publish is resent.
func (o *Options) SetPublishRetries(n int) *Options {
	o.PublishRetries = n
	return o
}

// SetOnMessage sets the push callback.
func (o *Options) SetOnMessage(fn func(msg *Message)) *Options {
	o.OnMessage = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if len(o.Servers) == 0 {
		return ErrNoServers
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.PublishRetries < 0 {
		o.PublishRetries = 0
	}
	if o.Dial == nil {
		timeout := o.ConnectTimeout
		o.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return nil
}

// Message is a message pushed by the broker.
type Message struct {
	Topic   string
	Payload []byte
	Level   packets.Level
	// Retained is set when the push replays a topic's retained message.
	Retained bool
}
