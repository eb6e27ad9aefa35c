// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"sync"
	"testing"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := New(0)
	b := p.Get()
	b.WriteString("key-value\n")
	p.Put(b)

	if got := p.Get(); got.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", got.Len())
	}
}

func TestNewDefaultsMaxCap(t *testing.T) {
	if p := New(-1); p.maxCap != DefaultMaxCap {
		t.Fatalf("expected max cap %d, got %d", DefaultMaxCap, p.maxCap)
	}
}

func TestPutIgnoresOversizedAndNil(t *testing.T) {
	p := New(16)
	b := p.Get()
	b.Grow(1024)
	p.Put(b)
	p.Put(nil)
}

func TestRenderCopiesOut(t *testing.T) {
	p := New(0)
	out := p.Render(func(b *bytes.Buffer) {
		b.WriteString("-alice\n")
	})
	if string(out) != "-alice\n" {
		t.Fatalf("expected %q, got %q", "-alice\n", out)
	}

	// The next render reuses the pooled buffer; out must not change.
	p.Render(func(b *bytes.Buffer) {
		b.WriteString("-bobby\n")
	})
	if string(out) != "-alice\n" {
		t.Fatalf("rendered bytes aliased the pool: %q", out)
	}
}

func TestRenderEmpty(t *testing.T) {
	out := Render(func(*bytes.Buffer) {})
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", out)
	}
}

func TestConcurrentRender(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := Render(func(b *bytes.Buffer) { b.WriteString("topic-t\n") })
			if string(out) != "topic-t\n" {
				t.Errorf("unexpected render %q", out)
			}
		}()
	}
	wg.Wait()
}
