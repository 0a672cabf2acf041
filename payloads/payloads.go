// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package payloads provides the reference counted, content addressed store of
// message payload bytes which retained messages point into.
package payloads

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
)

// PayloadKey is the unique key to denote payload records in a store.
const PayloadKey = "PAY"

var (
	// ErrNotFound indicates that no payload exists for an id.
	ErrNotFound = errors.New("payload not found")

	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")

	// ErrStoreNotOpen indicates that the backing database was not open for reading or writing.
	ErrStoreNotOpen = errors.New("payload store not open")
)

// Store is a reference counted store of payload bytes, keyed on an opaque
// numeric id. Implementations must be safe for concurrent use.
type Store interface {
	// Add stores a payload, or finds an identical payload already stored, and
	// takes one reference to it.
	Add(payload []byte) (id uint64, err error)

	// Get resolves an id to a copy of its payload bytes, returning ErrNotFound
	// if no such payload exists.
	Get(id uint64) ([]byte, error)

	// Increment takes one more reference to an existing payload.
	Increment(id uint64) error

	// Decrement releases one reference, deleting the payload when none remain.
	Decrement(id uint64) error

	// Close releases any resources held by the store.
	Close() error
}

// Record is a storable representation of a payload and its reference count.
type Record struct {
	Payload    []byte `json:"payload"`    // the payload bytes
	References int64  `json:"references"` // number of references held
	Created    int64  `json:"created"`    // the time the payload was first added in unixtime
}

// MarshalBinary encodes the values into a json string.
func (r Record) MarshalBinary() (data []byte, err error) {
	return json.Marshal(r)
}

// UnmarshalBinary decodes a json string into a struct.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, r)
}

// ContentID returns the preferred id for a payload.
func ContentID(payload []byte) uint64 {
	return xh.Sum64(payload)
}

// Key returns a primary key for a payload id.
func Key(id uint64) string {
	return PayloadKey + "_" + strconv.FormatUint(id, 10)
}

// Reference is a handle to one reference count held on a payload. It is
// released exactly once, regardless of how many times Release is called.
type Reference struct {
	store    Store
	id       uint64
	released atomic.Bool
}

// Adopt wraps a reference which has already been taken on the caller's behalf.
func Adopt(store Store, id uint64) *Reference {
	return &Reference{
		store: store,
		id:    id,
	}
}

// Acquire takes a new reference to an existing payload.
func Acquire(store Store, id uint64) (*Reference, error) {
	if err := store.Increment(id); err != nil {
		return nil, err
	}

	return Adopt(store, id), nil
}

// ID returns the id of the referenced payload.
func (r *Reference) ID() uint64 {
	return r.id
}

// Release gives the reference back to the store. It returns false without
// touching the store if the reference was already released.
func (r *Reference) Release() (bool, error) {
	if !r.released.CompareAndSwap(false, true) {
		return false, nil
	}

	return true, r.store.Decrement(r.id)
}
