// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks hall-wide counters for health reporting.
type Stats struct {
	startTime time.Time

	registries      atomic.Int64
	subscriptions   atomic.Int64
	publishes       atomic.Uint64
	pushes          atomic.Uint64
	acks            atomic.Uint64
	retransmissions atomic.Uint64
	ackTimeouts     atomic.Uint64
	inflightDrops   atomic.Uint64
	bytesReceived   atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Uptime          time.Duration `json:"uptime"`
	Registries      int64         `json:"registries"`
	Subscriptions   int64         `json:"subscriptions"`
	Publishes       uint64        `json:"publishes"`
	Pushes          uint64        `json:"pushes"`
	Acks            uint64        `json:"acks"`
	Retransmissions uint64        `json:"retransmissions"`
	AckTimeouts     uint64        `json:"ack_timeouts"`
	InflightDrops   uint64        `json:"inflight_drops"`
	BytesReceived   uint64        `json:"bytes_received"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:          time.Since(s.startTime),
		Registries:      s.registries.Load(),
		Subscriptions:   s.subscriptions.Load(),
		Publishes:       s.publishes.Load(),
		Pushes:          s.pushes.Load(),
		Acks:            s.acks.Load(),
		Retransmissions: s.retransmissions.Load(),
		AckTimeouts:     s.ackTimeouts.Load(),
		InflightDrops:   s.inflightDrops.Load(),
		BytesReceived:   s.bytesReceived.Load(),
	}
}
