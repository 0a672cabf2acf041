// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co, chowyu08, muXxer

package retainer

import (
	"context"
	"errors"
	"sync"
)

// ErrWritersClosed indicates that a task was issued after the writers were closed.
var ErrWritersClosed = errors.New("bucket writers closed")

// taskChan is a channel for incoming bucket tasks.
type taskChan chan func(*Owner)

// Writers is a fixed-sized fan of single writer goroutines, one for each
// bucket of a store. Instead of a single queue processed by many goroutines,
// each bucket has its own queue channel processed by the one goroutine which
// owns that bucket, so tasks on a bucket run in the order they were issued
// and never overlap, while different buckets run in parallel.
// Very special thanks are given to the authors of HMQ in particular
// @chowyu08 and @muXxer for their work on the fixpool worker pool
// https://github.com/fhmq/hmq/blob/master/pool/fixpool.go
// from which this fan is heavily inspired.
type Writers struct {
	sync.RWMutex
	queue   []taskChan
	owners  []*Owner
	wg      sync.WaitGroup
	perChan int
	closed  bool
}

// NewWriters takes ownership of every bucket in a store and starts a writer
// goroutine for each. queueSize controls the size of each bucket's queue.
func NewWriters(store *Store, queueSize int) (*Writers, error) {
	w := &Writers{
		perChan: queueSize,
		queue:   make([]taskChan, store.BucketCount()),
		owners:  make([]*Owner, store.BucketCount()),
	}

	for i := range w.owners {
		o, err := store.Own(i)
		if err != nil {
			w.releaseOwners()
			return nil, err
		}
		w.owners[i] = o
	}

	w.fillWorkers()

	return w, nil
}

// fillWorkers adds a queue and a writer goroutine for every owned bucket.
func (w *Writers) fillWorkers() {
	for i, o := range w.owners {
		w.queue[i] = make(taskChan, w.perChan)
		w.wg.Add(1)
		go w.worker(w.queue[i], o)
	}
}

// worker is a writer goroutine which processes the tasks of a single bucket.
func (w *Writers) worker(ch taskChan, o *Owner) {
	defer w.wg.Done()
	for task := range ch {
		task(o)
	}
}

// releaseOwners gives up ownership of every bucket held by the writers.
func (w *Writers) releaseOwners() {
	for _, o := range w.owners {
		if o != nil {
			o.Release()
		}
	}
}

// Enqueue adds a task to the queue of bucket b. It blocks while the queue is
// full, returning early if ctx is done.
func (w *Writers) Enqueue(ctx context.Context, b int, task func(*Owner)) error {
	w.RLock()
	defer w.RUnlock()

	if w.closed {
		return ErrWritersClosed
	}

	if b < 0 || b >= len(w.queue) {
		return ErrInvalidBucket
	}

	select {
	case w.queue[b] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the writer of bucket b and returns its error. ctx bounds the
// time spent waiting for room in the queue; a task which reaches the front of
// the queue after ctx is done is skipped and the ctx error returned, so a nil
// error always means fn ran to completion.
func (w *Writers) Do(ctx context.Context, b int, fn func(o *Owner) error) error {
	done := make(chan error, 1)
	err := w.Enqueue(ctx, b, func(o *Owner) {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(o)
	})
	if err != nil {
		return err
	}

	return <-done
}

// Wait blocks until all the writers have completed.
func (w *Writers) Wait() {
	w.wg.Wait()
}

// Close stops accepting tasks, lets each writer drain its queue, and then
// releases ownership of the buckets.
func (w *Writers) Close() {
	w.Lock()
	if w.closed {
		w.Unlock()
		return
	}

	w.closed = true
	for _, q := range w.queue {
		if q != nil {
			close(q)
		}
	}
	w.Unlock()

	w.Wait()
	w.releaseOwners()
}

// Size returns the number of writers.
func (w *Writers) Size() int {
	return len(w.queue)
}
