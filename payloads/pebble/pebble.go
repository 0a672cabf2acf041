// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble keeps retained message payloads in a pebble DB file store.
package pebble

import (
	"errors"
	"log/slog"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/mochi-mqtt/retainer/payloads"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Backend is a payload backend using a pebble DB file store.
type Backend struct {
	Log    *slog.Logger
	config *Options               // options for configuring the pebble DB instance.
	db     *pebbledb.DB           // the pebble DB instance
	mode   *pebbledb.WriteOptions // mode holds the optional per-query parameters for Set and Delete operations
}

// Open opens a pebble backend and returns a payload store over it.
func Open(config any, log *slog.Logger) (*payloads.Counted, error) {
	b, err := New(config, log)
	if err != nil {
		return nil, err
	}

	s, err := payloads.Open(b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	return s, nil
}

// New initializes and connects to the pebble instance.
func New(config any, log *slog.Logger) (*Backend, error) {
	if _, ok := config.(*Options); !ok && config != nil {
		return nil, payloads.ErrInvalidConfigType
	}

	if log == nil {
		log = slog.Default()
	}

	b := &Backend{
		Log: log,
	}

	if config == nil {
		b.config = new(Options)
	} else {
		b.config = config.(*Options)
	}

	if len(b.config.Path) == 0 {
		b.config.Path = defaultDbFile
	}

	if b.config.Options == nil {
		b.config.Options = &pebbledb.Options{}
	}

	b.mode = pebbledb.NoSync
	if strings.EqualFold(b.config.Mode, Sync) {
		b.mode = pebbledb.Sync
	}

	var err error
	b.db, err = pebbledb.Open(b.config.Path, b.config.Options)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// Close closes the pebble instance.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}

	return b.db.Close()
}

// GetRecord retrieves the payload record for an id.
func (b *Backend) GetRecord(id uint64) (*payloads.Record, error) {
	if b.db == nil {
		return nil, payloads.ErrStoreNotOpen
	}

	value, closer, err := b.db.Get([]byte(payloads.Key(id)))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil, payloads.ErrNotFound
	}

	if err != nil {
		b.Log.Error("failed to get data", "error", err, "payload_id", id)
		return nil, err
	}

	defer func() {
		if closer != nil {
			closer.Close()
		}
	}()

	r := new(payloads.Record)
	if err := r.UnmarshalBinary(value); err != nil {
		return nil, err
	}

	return r, nil
}

// SetRecord upserts the payload record for an id.
func (b *Backend) SetRecord(id uint64, r *payloads.Record) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}

	err = b.db.Set([]byte(payloads.Key(id)), data, b.mode)
	if err != nil {
		b.Log.Error("failed to update data", "error", err, "payload_id", id)
	}
	return err
}

// DeleteRecord deletes the payload record for an id.
func (b *Backend) DeleteRecord(id uint64) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	err := b.db.Delete([]byte(payloads.Key(id)), b.mode)
	if err != nil {
		b.Log.Error("failed to delete data", "error", err, "payload_id", id)
	}
	return err
}

// Purge deletes the whole payload key range.
func (b *Backend) Purge() error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	prefix := []byte(payloads.PayloadKey + "_")
	return b.db.DeleteRange(prefix, keyUpperBound(prefix), b.mode)
}
