// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package retainer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mochi-mqtt/retainer/payloads"
	"github.com/rs/xid"
)

var (
	ErrInvalidBucket     = errors.New("bucket index out of range")                   // bucket index not in [0, bucket count)
	ErrNotOwner          = errors.New("caller does not own the bucket")              // owner does not hold the bucket, or was released
	ErrBucketOwned       = errors.New("bucket is already owned")                     // another owner currently holds the bucket
	ErrConcurrentAccess  = errors.New("bucket entered from more than one goroutine") // an owner was used concurrently
	ErrInvalidTopic      = errors.New("invalid topic name")                          // topic is empty or contains wildcards
	ErrInvalidFilter     = errors.New("invalid topic filter")                        // filter is malformed
	ErrInvalidBucketSize = errors.New("bucket count must be greater than zero")      // store configured with no buckets
)

// Store is a sharded store of retained messages. Each bucket holds a map of
// literal topics to messages and a wildcard index over those topics. Buckets
// share nothing except the memory counter, so different buckets may be used
// in parallel, but every operation on a bucket must come from its Owner.
type Store struct {
	Log      *slog.Logger                  // a structured logger
	buckets  []*bucket                     // the shards of the store
	memory   atomic.Int64                  // estimated bytes held by all stored messages
	payloads payloads.Store                // the store which holds payload bytes
	hasher   func(topic string, n int) int // selects a bucket for a topic
	now      func() int64                  // current time in epoch milliseconds
}

// NewStore returns a new store with the configured number of buckets.
func NewStore(opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()
	if opts.BucketCount <= 0 {
		return nil, ErrInvalidBucketSize
	}

	s := &Store{
		Log:      opts.Logger,
		buckets:  make([]*bucket, opts.BucketCount),
		payloads: opts.Payloads,
		hasher:   opts.Hasher,
		now:      opts.Now,
	}

	for i := range s.buckets {
		s.buckets[i] = newBucket()
	}

	return s, nil
}

// Own takes ownership of a bucket. Every operation on the bucket must be made
// through the returned owner until it is released.
func (s *Store) Own(b int) (*Owner, error) {
	if b < 0 || b >= len(s.buckets) {
		return nil, ErrInvalidBucket
	}

	o := &Owner{
		store:  s,
		bucket: b,
		id:     xid.New(),
	}

	if !s.buckets[b].owner.CompareAndSwap(nil, o) {
		return nil, ErrBucketOwned
	}

	return o, nil
}

// Size returns the total number of retained messages held across all buckets.
// The value is eventually consistent while buckets are being written.
func (s *Store) Size() int64 {
	var n int64
	for _, b := range s.buckets {
		n += b.count.Load()
	}

	return n
}

// MemorySize returns the estimated number of bytes held by stored messages,
// excluding payload bytes.
func (s *Store) MemorySize() int64 {
	return s.memory.Load()
}

// BucketCount returns the number of buckets in the store.
func (s *Store) BucketCount() int {
	return len(s.buckets)
}

// BucketFor returns the bucket index which holds a topic.
func (s *Store) BucketFor(topic string) int {
	return s.hasher(topic, len(s.buckets))
}

// release gives back the payload reference held by an entry and removes its
// size from the memory counter.
func (s *Store) release(topic string, e *entry) {
	s.memory.Add(-e.size)
	if _, err := e.ref.Release(); err != nil {
		s.Log.Error("failed to release retained payload", "error", err, "topic", topic, "payload_id", e.ref.ID())
	}
}

// Owner is the single writer of one bucket. An owner must not be used from
// more than one goroutine at a time.
type Owner struct {
	store    *Store
	bucket   int
	id       xid.ID
	released atomic.Bool
}

// ID returns a unique identifier for the owner.
func (o *Owner) ID() string {
	return o.id.String()
}

// Bucket returns the index of the bucket held by the owner.
func (o *Owner) Bucket() int {
	return o.bucket
}

// Release gives up ownership of the bucket. It is safe to call more than once.
func (o *Owner) Release() {
	if !o.released.CompareAndSwap(false, true) {
		return
	}

	o.store.buckets[o.bucket].owner.CompareAndSwap(o, nil)
}

// enter checks the preconditions for operating on bucket b and marks the
// bucket busy. The returned function must be called to leave the bucket.
func (o *Owner) enter(b int) (*bucket, func(), error) {
	if b < 0 || b >= len(o.store.buckets) {
		return nil, nil, ErrInvalidBucket
	}

	bk := o.store.buckets[b]
	if b != o.bucket || o.released.Load() || bk.owner.Load() != o {
		o.store.Log.Error("bucket used by non-owner", "error", ErrNotOwner, "bucket", b, "owner", o.ID())
		return nil, nil, fmt.Errorf("%w: owner %s, bucket %d", ErrNotOwner, o.ID(), b)
	}

	if !bk.busy.CompareAndSwap(false, true) {
		o.store.Log.Error("bucket used concurrently", "error", ErrConcurrentAccess, "bucket", b, "owner", o.ID())
		return nil, nil, ErrConcurrentAccess
	}

	return bk, func() { bk.busy.Store(false) }, nil
}

// Put stores a message for a topic, replacing any message already retained on
// the topic. The caller must already hold one payload reference for
// msg.PayloadID, which the store takes over. Any payload bytes on msg are ignored.
func (o *Owner) Put(msg Message, topic string, b int) error {
	bk, leave, err := o.enter(b)
	if err != nil {
		return err
	}
	defer leave()

	stored := msg.withoutPayload()
	e := &entry{
		msg:  stored,
		ref:  payloads.Adopt(o.store.payloads, stored.PayloadID),
		size: stored.EstimatedSize(),
	}

	if prev := bk.set(topic, e); prev != nil {
		o.store.release(topic, prev)
	}
	o.store.memory.Add(e.size)

	return nil
}

// Get returns a copy of the message retained on a topic along with its
// payload bytes. It returns false if there is no message, if the message has
// expired, or if the payload can no longer be found. Reading never modifies
// the bucket, so expired messages remain until the next Cleanup.
func (o *Owner) Get(topic string, b int) (Message, bool, error) {
	bk, leave, err := o.enter(b)
	if err != nil {
		return Message{}, false, err
	}
	defer leave()

	e, ok := bk.entries[topic]
	if !ok {
		return Message{}, false, nil
	}

	if e.msg.Expired(o.store.now()) {
		return Message{}, false, nil
	}

	payload, err := o.store.payloads.Get(e.msg.PayloadID)
	if errors.Is(err, payloads.ErrNotFound) {
		o.store.Log.Warn("payload for retained message not found", "payload_id", e.msg.PayloadID, "topic", topic)
		return Message{}, false, nil
	}

	if err != nil {
		return Message{}, false, fmt.Errorf("get retained payload: %w", err)
	}

	msg := e.msg.Copy()
	msg.Payload = payload
	return msg, true, nil
}

// Remove deletes the message retained on a topic. Removing a topic which has
// no retained message does nothing.
func (o *Owner) Remove(topic string, b int) error {
	bk, leave, err := o.enter(b)
	if err != nil {
		return err
	}
	defer leave()

	if e, ok := bk.delete(topic); ok {
		o.store.release(topic, e)
	}

	return nil
}

// GetAllTopics returns every topic in the bucket which matches a filter. The
// results are unordered and may include topics whose messages have expired.
func (o *Owner) GetAllTopics(filter string, b int) ([]string, error) {
	bk, leave, err := o.enter(b)
	if err != nil {
		return nil, err
	}
	defer leave()

	return bk.index.Query(filter), nil
}

// Cleanup deletes every expired message in the bucket, returning the number
// of messages deleted.
func (o *Owner) Cleanup(b int) (int, error) {
	bk, leave, err := o.enter(b)
	if err != nil {
		return 0, err
	}
	defer leave()

	now := o.store.now()
	var n int
	for topic, e := range bk.entries {
		if !e.msg.Expired(now) {
			continue
		}

		bk.delete(topic)
		o.store.release(topic, e)
		n++
	}

	return n, nil
}

// Clear deletes every message in the bucket.
func (o *Owner) Clear(b int) error {
	bk, leave, err := o.enter(b)
	if err != nil {
		return err
	}
	defer leave()

	for topic, e := range bk.reset() {
		o.store.release(topic, e)
	}

	return nil
}
