// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection accepts per remote IP and
// PUBLISH/SUBSCRIBE operations per connection agent.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxpush/config"
	"golang.org/x/time/rate"
)

// AcceptLimiter is consulted by transports before a connection is served.
type AcceptLimiter interface {
	Allow(addr net.Addr) bool
}

// OperationLimiter is consulted by connection agents before routing
// a PUBLISH or registering a SUBSCRIBE.
type OperationLimiter interface {
	AllowPublish(agentID string) bool
	AllowSubscribe(agentID string) bool
	Forget(agentID string)
}

// IPLimiter limits accepts per remote IP.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a per-IP limiter admitting r accepts per second
// with the given burst. Idle entries are evicted every cleanupInterval.
func NewIPLimiter(r float64, burst int, cleanupInterval time.Duration) *IPLimiter {
	l := &IPLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may be served.
func (l *IPLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked addresses.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPLimiter) evict(before time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(before) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *IPLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// AgentLimiter limits operations per connection agent. An agent's limiters
// are created lazily and discarded by Forget on teardown.
type AgentLimiter struct {
	mu        sync.Mutex
	agents    map[string]*agentEntry
	publish   config.ClientLimit
	subscribe config.ClientLimit
}

type agentEntry struct {
	publish   *rate.Limiter
	subscribe *rate.Limiter
}

// NewAgentLimiter creates a per-agent limiter. A disabled limit always allows.
func NewAgentLimiter(publish, subscribe config.ClientLimit) *AgentLimiter {
	return &AgentLimiter{
		agents:    make(map[string]*agentEntry),
		publish:   publish,
		subscribe: subscribe,
	}
}

func (l *AgentLimiter) entry(agentID string) *agentEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.agents[agentID]
	if !ok {
		e = &agentEntry{}
		if l.publish.Enabled {
			e.publish = rate.NewLimiter(rate.Limit(l.publish.Rate), l.publish.Burst)
		}
		if l.subscribe.Enabled {
			e.subscribe = rate.NewLimiter(rate.Limit(l.subscribe.Rate), l.subscribe.Burst)
		}
		l.agents[agentID] = e
	}
	return e
}

// AllowPublish reports whether the agent may route another PUBLISH.
func (l *AgentLimiter) AllowPublish(agentID string) bool {
	if !l.publish.Enabled {
		return true
	}
	return l.entry(agentID).publish.Allow()
}

// AllowSubscribe reports whether the agent may register another subscription.
func (l *AgentLimiter) AllowSubscribe(agentID string) bool {
	if !l.subscribe.Enabled {
		return true
	}
	return l.entry(agentID).subscribe.Allow()
}

// Forget drops the agent's limiters.
func (l *AgentLimiter) Forget(agentID string) {
	l.mu.Lock()
	delete(l.agents, agentID)
	l.mu.Unlock()
}

// Len returns the number of tracked agents.
func (l *AgentLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.agents)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager bundles the accept and operation limiters built from configuration.
// A disabled manager allows everything.
type Manager struct {
	ip    *IPLimiter
	agent *AgentLimiter
}

var (
	_ AcceptLimiter    = (*Manager)(nil)
	_ OperationLimiter = (*Manager)(nil)
)

// NewManager creates a rate limit manager from configuration.
func NewManager(cfg config.RateLimitConfig) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Subscribe.Enabled {
		m.agent = NewAgentLimiter(cfg.Publish, cfg.Subscribe)
	}
	return m
}

// Allow checks if a new connection from the given address is allowed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish checks if a PUBLISH from the given agent is allowed.
func (m *Manager) AllowPublish(agentID string) bool {
	if m.agent == nil {
		return true
	}
	return m.agent.AllowPublish(agentID)
}

// AllowSubscribe checks if a SUBSCRIBE from the given agent is allowed.
func (m *Manager) AllowSubscribe(agentID string) bool {
	if m.agent == nil {
		return true
	}
	return m.agent.AllowSubscribe(agentID)
}

// Forget releases the agent's limiters on teardown.
func (m *Manager) Forget(agentID string) {
	if m.agent != nil {
		m.agent.Forget(agentID)
	}
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
