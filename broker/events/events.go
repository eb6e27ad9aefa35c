// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeConnectRejected     = "client.connect_rejected"
	TypeMessagePublished    = "message.published"
	TypeMessageDropped      = "message.dropped"
	TypeRetainedMessageSet  = "message.retained"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the topic for message and subscription events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client completes CONNECT.
type ClientConnected struct {
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Topic() string                  { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a connection is torn down.
type ClientDisconnected struct {
	ClientID   string `json:"client_id"`
	Reason     string `json:"reason"` // "normal", "protocol_violation", "connect_rejected", "error"
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string                  { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ConnectRejected is emitted when the auth backend refuses a CONNECT.
type ConnectRejected struct {
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Reason     string `json:"reason"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ConnectRejected) Type() string                   { return TypeConnectRejected }
func (e ConnectRejected) Topic() string                  { return "" }
func (e ConnectRejected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a message is published to the hall.
type MessagePublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	Level        string `json:"level"`
	Retained     bool   `json:"retained"`
	Subscribers  int    `json:"subscribers"`
	PayloadSize  int    `json:"payload_size"`
	Payload      string `json:"payload,omitempty"` // optional
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDropped is emitted when a recipient never acknowledged a message
// within the retry budget, or its inflight window was full.
type MessageDropped struct {
	ClientID     string `json:"client_id"` // recipient
	MessageTopic string `json:"topic"`
	Level        string `json:"level"`
	Identifier   uint64 `json:"identifier,omitempty"`
	Reason       string `json:"reason"` // "ack_timeout", "inflight_full"
}

func (e MessageDropped) Type() string                   { return TypeMessageDropped }
func (e MessageDropped) Topic() string                  { return e.MessageTopic }
func (e MessageDropped) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedMessageSet is emitted when a retained message is set or cleared.
type RetainedMessageSet struct {
	MessageTopic string `json:"topic"`
	PayloadSize  int    `json:"payload_size"` // 0 if cleared
	Cleared      bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string                   { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Topic() string                  { return e.MessageTopic }
func (e RetainedMessageSet) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a topic.
type SubscriptionCreated struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	Retained     bool   `json:"retained_delivered"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return e.MessageTopic }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a subscription ends, either by
// UNSUBSCRIBE or connection teardown.
type SubscriptionRemoved struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return e.MessageTopic }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
