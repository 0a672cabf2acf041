// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package payloads

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Backend persists payload records on behalf of a Counted store.
type Backend interface {
	// GetRecord returns the record for an id, or ErrNotFound.
	GetRecord(id uint64) (*Record, error)

	// SetRecord inserts or replaces the record for an id.
	SetRecord(id uint64, r *Record) error

	// DeleteRecord removes the record for an id.
	DeleteRecord(id uint64) error

	// Purge removes every payload record from the backend.
	Purge() error

	// Close closes the backend.
	Close() error
}

// Counted implements the reference counting and content addressing rules of a
// Store over any Backend. Reference counts are read-modify-written under a
// single lock so that concurrent buckets never lose an update.
type Counted struct {
	sync.Mutex
	backend Backend
}

// NewCounted returns a Store over a backend, keeping any records it already holds.
func NewCounted(backend Backend) *Counted {
	return &Counted{
		backend: backend,
	}
}

// Open purges any payload records left behind by a previous process and
// returns a Store over the backend. Retained messages do not outlive the
// process which holds them, so neither can their references.
func Open(backend Backend) (*Counted, error) {
	if err := backend.Purge(); err != nil {
		return nil, fmt.Errorf("purge payloads: %w", err)
	}

	return NewCounted(backend), nil
}

// Add stores a payload under its content id, taking one reference. If a
// different payload already occupies the id, the next free id is probed.
func (c *Counted) Add(payload []byte) (uint64, error) {
	c.Lock()
	defer c.Unlock()

	id := ContentID(payload)
	for {
		r, err := c.backend.GetRecord(id)
		if errors.Is(err, ErrNotFound) {
			r = &Record{
				Payload:    append([]byte{}, payload...),
				References: 1,
				Created:    time.Now().Unix(),
			}
			return id, c.backend.SetRecord(id, r)
		}

		if err != nil {
			return 0, err
		}

		if bytes.Equal(r.Payload, payload) {
			r.References++
			return id, c.backend.SetRecord(id, r)
		}

		id++ // hash collision
	}
}

// Get returns a copy of the payload for an id.
func (c *Counted) Get(id uint64) ([]byte, error) {
	c.Lock()
	defer c.Unlock()

	r, err := c.backend.GetRecord(id)
	if err != nil {
		return nil, err
	}

	return append([]byte{}, r.Payload...), nil
}

// Increment takes another reference to a stored payload.
func (c *Counted) Increment(id uint64) error {
	c.Lock()
	defer c.Unlock()

	r, err := c.backend.GetRecord(id)
	if err != nil {
		return err
	}

	r.References++
	return c.backend.SetRecord(id, r)
}

// Decrement releases a reference to a stored payload, deleting the payload
// once no references remain.
func (c *Counted) Decrement(id uint64) error {
	c.Lock()
	defer c.Unlock()

	r, err := c.backend.GetRecord(id)
	if err != nil {
		return err
	}

	r.References--
	if r.References <= 0 {
		return c.backend.DeleteRecord(id)
	}

	return c.backend.SetRecord(id, r)
}

// References returns the number of references currently held on a payload.
func (c *Counted) References(id uint64) (int64, error) {
	c.Lock()
	defer c.Unlock()

	r, err := c.backend.GetRecord(id)
	if err != nil {
		return 0, err
	}

	return r.References, nil
}

// Close closes the underlying backend.
func (c *Counted) Close() error {
	return c.backend.Close()
}
