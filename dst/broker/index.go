// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numTopicShards = 64

// topicEntry is the subscriber set of one topic. Publishes read-lock it;
// subscribe, unsubscribe and retained publishes write-lock it.
type topicEntry struct {
	mu   sync.RWMutex
	subs map[*Registry]struct{}
	// dead is set once the entry has been unlinked from its shard.
	dead bool
}

type topicShard struct {
	mu     sync.RWMutex
	topics map[string]*topicEntry
}

// topicIndex maps topics to subscriber sets. Topics are spread over a fixed
// number of shards so that the shard map is only touched to create or
// unlink an entry, and disjoint topics never share an entry lock.
type topicIndex struct {
	shards [numTopicShards]topicShard
}

func newTopicIndex() *topicIndex {
	ix := &topicIndex{}
	for i := range ix.shards {
		ix.shards[i].topics = make(map[string]*topicEntry)
	}
	return ix
}

func (ix *topicIndex) shard(topic string) *topicShard {
	return &ix.shards[xxhash.Sum64String(topic)%numTopicShards]
}

// lookup returns the entry of topic or nil.
func (ix *topicIndex) lookup(topic string) *topicEntry {
	s := ix.shard(topic)
	s.mu.RLock()
	e := s.topics[topic]
	s.mu.RUnlock()
	return e
}

// acquire returns the entry of topic, creating it if needed. The caller
// must check dead after locking the entry and call acquire again if set.
func (ix *topicIndex) acquire(topic string) *topicEntry {
	s := ix.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.topics[topic]
	if !ok {
		e = &topicEntry{subs: make(map[*Registry]struct{})}
		s.topics[topic] = e
	}
	return e
}

// release unlinks e if it has no subscribers left.
func (ix *topicIndex) release(topic string, e *topicEntry) {
	s := ix.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subs) == 0 && !e.dead && s.topics[topic] == e {
		e.dead = true
		delete(s.topics, topic)
	}
}

// lockLive acquires topic's entry and write-locks it, retrying if the entry
// was unlinked between acquire and lock.
func (ix *topicIndex) lockLive(topic string) *topicEntry {
	for {
		e := ix.acquire(topic)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// topics returns the number of topics with at least one subscriber.
func (ix *topicIndex) topics() int {
	n := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for _, e := range s.topics {
			e.mu.RLock()
			if len(e.subs) > 0 {
				n++
			}
			e.mu.RUnlock()
		}
		s.mu.RUnlock()
	}
	return n
}
