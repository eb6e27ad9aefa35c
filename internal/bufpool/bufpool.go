// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles scratch buffers used while rendering DST payloads.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap bounds the capacity of buffers kept by the default pool.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers and drops those that grew past maxCap.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New creates a pool. A non-positive maxCap selects DefaultMaxCap.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	return &Pool{
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap: maxCap,
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

// Render runs fill on a pooled buffer and returns a copy of what it wrote.
// A render that writes nothing yields an empty, non-nil slice.
func (p *Pool) Render(fill func(*bytes.Buffer)) []byte {
	b := p.Get()
	defer p.Put(b)
	fill(b)
	return append(make([]byte, 0, b.Len()), b.Bytes()...)
}

var std = New(DefaultMaxCap)

// Get returns an empty buffer from the default pool.
func Get() *bytes.Buffer { return std.Get() }

// Put returns b to the default pool.
func Put(b *bytes.Buffer) { std.Put(b) }

// Render is Pool.Render on the default pool.
func Render(fill func(*bytes.Buffer)) []byte { return std.Render(fill) }
