// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package retainer

import (
	"sync/atomic"

	"github.com/mochi-mqtt/retainer/payloads"
	"github.com/mochi-mqtt/retainer/topics"
)

// entry is a stored retained message and the payload reference it holds.
type entry struct {
	msg  Message             // a private copy of the message, without payload
	ref  *payloads.Reference // the reference held on the payload
	size int64               // estimated size recorded when stored
}

// bucket is a single shard of the store. The entries map and the topic index
// always hold the same set of topics. A bucket is only ever touched by the
// goroutine currently entered through its owner.
type bucket struct {
	entries map[string]*entry     // retained messages keyed on literal topic
	index   *topics.Index         // wildcard index over the entries keys
	count   atomic.Int64          // number of entries, readable from any goroutine
	owner   atomic.Pointer[Owner] // the current owner of the bucket, if any
	busy    atomic.Bool           // true while an owner operation is running
}

// newBucket returns a new empty bucket.
func newBucket() *bucket {
	return &bucket{
		entries: map[string]*entry{},
		index:   topics.NewIndex(),
	}
}

// set stores an entry for a topic, returning the entry it replaced, if any.
func (b *bucket) set(topic string, e *entry) *entry {
	prev, ok := b.entries[topic]
	b.entries[topic] = e
	b.index.Add(topic)
	if !ok {
		b.count.Add(1)
	}

	return prev
}

// delete removes and returns the entry for a topic, if any.
func (b *bucket) delete(topic string) (*entry, bool) {
	e, ok := b.entries[topic]
	if !ok {
		return nil, false
	}

	delete(b.entries, topic)
	b.index.Remove(topic)
	b.count.Add(-1)
	return e, true
}

// reset empties the bucket, returning the entries it held.
func (b *bucket) reset() map[string]*entry {
	old := b.entries
	b.entries = map[string]*entry{}
	b.index = topics.NewIndex()
	b.count.Store(0)
	return old
}
