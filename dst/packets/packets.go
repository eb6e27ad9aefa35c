// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets implements the DST wire envelope: the package type,
// delivery level, retain flag, optional identifier and payload, together
// with its binary encoding and incremental decoding.
package packets

import "fmt"

// Type is the operation carried by a package.
type Type byte

// Package types.
const (
	ConnectType Type = iota + 1
	ConnectAckType
	SubscribeType
	UnsubscribeType
	PublishType
	PushMessageType
	PushMessageAckType
	ExactlyOnceMessageType
	ExactlyOnceMessageAckType
	PingType
	PingAckType
	DisconnectType
)

var typeNames = map[Type]string{
	ConnectType:               "CONNECT",
	ConnectAckType:            "CONNECT_ACK",
	SubscribeType:             "SUBSCRIBE",
	UnsubscribeType:           "UNSUBSCRIBE",
	PublishType:               "PUBLISH",
	PushMessageType:           "PUSH_MESSAGE",
	PushMessageAckType:        "PUSH_MESSAGE_ACK",
	ExactlyOnceMessageType:    "EXACTLY_ONCE_MESSAGE",
	ExactlyOnceMessageAckType: "EXACTLY_ONCE_MESSAGE_ACK",
	PingType:                  "PING",
	PingAckType:               "PING_ACK",
	DisconnectType:            "DISCONNECT",
}

// Valid reports whether t is one of the defined package types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsAck reports whether t acknowledges a previously identified package.
func (t Type) IsAck() bool {
	return t == PushMessageAckType || t == ExactlyOnceMessageAckType
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// Level is the delivery guarantee of a package.
type Level byte

// Delivery levels.
const (
	// NoConfirm is fire-and-forget, at most once.
	NoConfirm Level = iota
	// AtLeastOnce requires a PUSH_MESSAGE_ACK; the sender redelivers until acked.
	AtLeastOnce
	// ExactlyOnce requires an EXACTLY_ONCE_MESSAGE_ACK and receiver-side deduplication.
	ExactlyOnce
)

// Valid reports whether l is a defined delivery level.
func (l Level) Valid() bool {
	return l <= ExactlyOnce
}

// RequiresAck reports whether a package of this level must be acknowledged.
func (l Level) RequiresAck() bool {
	return l == AtLeastOnce || l == ExactlyOnce
}

func (l Level) String() string {
	switch l {
	case NoConfirm:
		return "NO_CONFIRM"
	case AtLeastOnce:
		return "AT_LEAST_ONCE"
	case ExactlyOnce:
		return "EXACTLY_ONCE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(l))
	}
}

// ParseLevel converts a configuration name to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "no_confirm", "NO_CONFIRM", "0":
		return NoConfirm, nil
	case "at_least_once", "AT_LEAST_ONCE", "1":
		return AtLeastOnce, nil
	case "exactly_once", "EXACTLY_ONCE", "2":
		return ExactlyOnce, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// Package is one protocol message. It is immutable once built.
type Package struct {
	typ           Type
	level         Level
	retain        bool
	hasIdentifier bool
	identifier    uint64
	parts         [][]byte
	size          int
}

// New builds a package. The payload is the logical concatenation of parts;
// parts are referenced, not copied, and must not be modified afterwards.
func New(typ Type, level Level, retain bool, parts ...[]byte) *Package {
	p := &Package{
		typ:    typ,
		level:  level,
		retain: retain,
	}
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		p.parts = append(p.parts, part)
		p.size += len(part)
	}
	return p
}

// NewWithID builds a package carrying a correlation identifier.
func NewWithID(typ Type, level Level, retain bool, id uint64, parts ...[]byte) *Package {
	p := New(typ, level, retain, parts...)
	p.hasIdentifier = true
	p.identifier = id
	return p
}

// Type returns the package type.
func (p *Package) Type() Type { return p.typ }

// Level returns the delivery level.
func (p *Package) Level() Level { return p.level }

// Retain reports whether the retain flag is set.
func (p *Package) Retain() bool { return p.retain }

// Identifier returns the correlation identifier and whether one is present.
func (p *Package) Identifier() (uint64, bool) { return p.identifier, p.hasIdentifier }

// Parts returns the payload segments.
func (p *Package) Parts() [][]byte { return p.parts }

// PayloadLen returns the total payload length.
func (p *Package) PayloadLen() int { return p.size }

// Payload returns the payload as a single slice. A single-part payload is
// returned as is; multi-part payloads are flattened into a new slice.
func (p *Package) Payload() []byte {
	switch len(p.parts) {
	case 0:
		return nil
	case 1:
		return p.parts[0]
	}
	out := make([]byte, 0, p.size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	return out
}

// Validate checks the identifier invariant: packages whose level requires
// acknowledgment, and acknowledgments themselves, must carry an identifier.
func (p *Package) Validate() error {
	if !p.typ.Valid() {
		return &FrameError{Err: ErrUnknownType}
	}
	if !p.level.Valid() {
		return &FrameError{Err: ErrInvalidLevel}
	}
	if (p.level.RequiresAck() || p.typ.IsAck()) && !p.hasIdentifier {
		return &FrameError{Err: ErrMissingIdentifier}
	}
	return nil
}

func (p *Package) String() string {
	if p.hasIdentifier {
		return fmt.Sprintf("%s level=%s retain=%t id=%d len=%d", p.typ, p.level, p.retain, p.identifier, p.size)
	}
	return fmt.Sprintf("%s level=%s retain=%t len=%d", p.typ, p.level, p.retain, p.size)
}
