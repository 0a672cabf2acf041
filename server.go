// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package retainer provides the retained message store of an MQTT broker: a
// sharded, single writer per shard store of the last retained message on each
// topic, with reference counted payloads, message expiry, and a wildcard
// topic index for resolving subscription filters.
package retainer

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	xh "github.com/cespare/xxhash/v2"
	"github.com/mochi-mqtt/retainer/payloads"
	"github.com/mochi-mqtt/retainer/topics"
)

const (
	Version                      = "1.0.0" // the current retainer version.
	defaultBucketCount           = 64      // the default number of buckets
	defaultQueueSize             = 1024    // the default size of each bucket writer queue
	defaultCleanupInterval int64 = 60      // the default interval between expiry sweeps, in seconds
)

// Options contains configurable options for the store and server.
type Options struct {
	// BucketCount is the number of buckets the topic space is sharded into. It
	// is fixed for the lifetime of the store.
	BucketCount int `yaml:"bucket_count" json:"bucket_count"`

	// QueueSize is the size of the task queue of each bucket writer.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// CleanupInterval specifies the interval between sweeps of expired retained messages in seconds.
	CleanupInterval int64 `yaml:"cleanup_interval" json:"cleanup_interval"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Payloads is the store of payload bytes. Defaults to an in-memory store.
	Payloads payloads.Store `yaml:"-" json:"-"`

	// Hasher selects the bucket for a topic given the number of buckets. It must
	// always return the same bucket for the same topic. Defaults to xxhash.
	Hasher func(topic string, n int) int `yaml:"-" json:"-"`

	// Now returns the current time in epoch milliseconds.
	Now func() int64 `yaml:"-" json:"-"`
}

// ensureDefaults ensures that the store starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.BucketCount == 0 {
		o.BucketCount = defaultBucketCount
	}

	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}

	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaultCleanupInterval
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}

	if o.Payloads == nil {
		o.Payloads = payloads.NewMemory()
	}

	if o.Hasher == nil {
		o.Hasher = HashBucket
	}

	if o.Now == nil {
		o.Now = func() int64 {
			return time.Now().UnixMilli()
		}
	}
}

// HashBucket selects a bucket for a topic using xxhash.
func HashBucket(topic string, n int) int {
	return int(xh.Sum64String(topic) % uint64(n))
}

// Retained is a retained message and the topic it was retained on.
type Retained struct {
	Topic   string  `json:"topic"`
	Message Message `json:"message"`
}

// Server routes retained message publishes and subscriptions to the bucket
// writers of a store, and periodically sweeps expired messages. It should be
// created with New in order to ensure all the internal fields are correctly
// populated.
type Server struct {
	Options  *Options       // configurable server options
	Store    *Store         // the sharded retained message store
	Writers  *Writers       // the single writer of each bucket
	Log      *slog.Logger   // structured logger
	payloads payloads.Store // the store of payload bytes
	loop     *loop          // loop contains tickers for the system event loop
	done     chan bool      // indicate that the server is ending
	closed   atomic.Bool    // true once the server has been closed
	serving  sync.Once      // starts the event loop once
}

// loop contains interval tickers for the system events loop.
type loop struct {
	retainedExpiry *time.Ticker // interval ticker for cleaning retained messages
}

// New returns a new retained message server. Optional parameters can be
// specified to override some default settings (see Options).
func New(opts *Options) (*Server, error) {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	store, err := NewStore(opts)
	if err != nil {
		return nil, err
	}

	writers, err := NewWriters(store, opts.QueueSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Options:  opts,
		Store:    store,
		Writers:  writers,
		Log:      opts.Logger,
		payloads: opts.Payloads,
		done:     make(chan bool),
		loop: &loop{
			retainedExpiry: time.NewTicker(time.Second * time.Duration(opts.CleanupInterval)),
		},
	}

	return s, nil
}

// Serve starts the event loop which sweeps expired retained messages.
func (s *Server) Serve() error {
	s.Log.Info("retainer starting", "version", Version, "buckets", s.Store.BucketCount())
	defer s.Log.Info("retainer started")

	s.serving.Do(func() {
		go s.eventLoop()
	})

	return nil
}

// eventLoop loops forever, running housekeeping methods at intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.retainedExpiry.Stop()
			return
		case <-s.loop.retainedExpiry.C:
			s.clearExpiredRetainedMessages()
		}
	}
}

// clearExpiredRetainedMessages issues a cleanup on the writer of every bucket.
func (s *Server) clearExpiredRetainedMessages() {
	for b := 0; b < s.Store.BucketCount(); b++ {
		b := b
		err := s.Writers.Enqueue(context.Background(), b, func(o *Owner) {
			n, err := o.Cleanup(b)
			if err != nil {
				s.Log.Error("failed to clean up bucket", "error", err, "bucket", b)
				return
			}

			if n > 0 {
				s.Log.Debug("expired retained messages removed", "bucket", b, "count", n)
			}
		})
		if err != nil {
			s.Log.Warn("failed to schedule bucket cleanup", "error", err, "bucket", b)
			return
		}
	}
}

// Retain retains a message on a topic, replacing any message already retained
// there. The payload is added to the payload store and the reference taken is
// handed to the store. An empty payload deletes the retained message instead.
func (s *Server) Retain(ctx context.Context, topic string, payload []byte, msg Message) error {
	if !topics.IsValidTopic(topic) {
		return ErrInvalidTopic
	}

	if len(payload) == 0 {
		return s.Remove(ctx, topic)
	}

	id, err := s.payloads.Add(payload)
	if err != nil {
		return err
	}

	return s.retain(ctx, topic, payloads.Adopt(s.payloads, id), msg)
}

// RetainPayload retains a message on a topic using a payload which is already
// held in the payload store, such as one shared with another retained message.
// A new reference is taken on the payload for the stored message.
func (s *Server) RetainPayload(ctx context.Context, topic string, id uint64, msg Message) error {
	if !topics.IsValidTopic(topic) {
		return ErrInvalidTopic
	}

	ref, err := payloads.Acquire(s.payloads, id)
	if err != nil {
		return err
	}

	return s.retain(ctx, topic, ref, msg)
}

// retain hands a payload reference to the bucket writer of a topic, giving
// the reference back if the message could not be stored.
func (s *Server) retain(ctx context.Context, topic string, ref *payloads.Reference, msg Message) error {
	msg.PayloadID = ref.ID()
	msg.Payload = nil
	if msg.Timestamp == 0 {
		msg.Timestamp = s.Options.Now()
	}

	b := s.Store.BucketFor(topic)
	err := s.Writers.Do(ctx, b, func(o *Owner) error {
		return o.Put(msg, topic, b)
	})
	if err != nil {
		if _, rerr := ref.Release(); rerr != nil {
			s.Log.Error("failed to release unretained payload", "error", rerr, "payload_id", ref.ID())
		}
		return err
	}

	return nil
}

// Remove deletes the message retained on a topic, if any.
func (s *Server) Remove(ctx context.Context, topic string) error {
	if !topics.IsValidTopic(topic) {
		return ErrInvalidTopic
	}

	b := s.Store.BucketFor(topic)
	return s.Writers.Do(ctx, b, func(o *Owner) error {
		return o.Remove(topic, b)
	})
}

// Retained returns the live message retained on a topic, if any.
func (s *Server) Retained(ctx context.Context, topic string) (msg Message, ok bool, err error) {
	if !topics.IsValidTopic(topic) {
		return Message{}, false, ErrInvalidTopic
	}

	b := s.Store.BucketFor(topic)
	err = s.Writers.Do(ctx, b, func(o *Owner) error {
		var gerr error
		msg, ok, gerr = o.Get(topic, b)
		return gerr
	})

	return msg, ok, err
}

// Matching returns every live retained message on a topic matching a
// subscription filter. Every bucket is queried in parallel on its own writer.
// The results are unordered.
func (s *Server) Matching(ctx context.Context, filter string) ([]Retained, error) {
	if !topics.IsValidFilter(filter) {
		return nil, ErrInvalidFilter
	}

	n := s.Store.BucketCount()
	results := make([][]Retained, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for b := 0; b < n; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			errs[b] = s.Writers.Do(ctx, b, func(o *Owner) error {
				found, err := o.GetAllTopics(filter, b)
				if err != nil {
					return err
				}

				for _, topic := range found {
					msg, ok, err := o.Get(topic, b)
					if err != nil {
						return err
					}

					if ok {
						results[b] = append(results[b], Retained{Topic: topic, Message: msg})
					}
				}

				return nil
			})
		}(b)
	}
	wg.Wait()

	var out []Retained
	for b := 0; b < n; b++ {
		if errs[b] != nil {
			return nil, errs[b]
		}
		out = append(out, results[b]...)
	}

	return out, nil
}

// Clear deletes every retained message in every bucket.
func (s *Server) Clear(ctx context.Context) error {
	for b := 0; b < s.Store.BucketCount(); b++ {
		b := b
		err := s.Writers.Do(ctx, b, func(o *Owner) error {
			return o.Clear(b)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Close stops the event loop, drains the bucket writers, and closes the
// payload store.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.done)
	s.Log.Info("gracefully stopping retainer")
	s.loop.retainedExpiry.Stop()
	s.Writers.Close()

	if err := s.payloads.Close(); err != nil {
		s.Log.Error("failed to close payload store", "error", err)
		return err
	}

	s.Log.Info("retainer stopped")
	return nil
}
