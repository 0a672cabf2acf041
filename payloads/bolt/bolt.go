// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt keeps retained message payloads in a boltdb file store.
package bolt

import (
	"log/slog"
	"time"

	"github.com/mochi-mqtt/retainer/payloads"
	"go.etcd.io/bbolt"
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "mochi-payloads"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Backend is a payload backend using a boltdb file store.
type Backend struct {
	Log    *slog.Logger
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// Open opens a bolt backend and returns a payload store over it.
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

// New initializes and connects to the boltdb instance.
func New(config any, log *slog.Logger) (*Backend, error) {
	if _, ok := config.(*Options); !ok && config != nil {
		return nil, payloads.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	if log == nil {
		log = slog.Default()
	}

	b := &Backend{
		Log:    log,
		config: config.(*Options),
	}

	if b.config.Options == nil {
		b.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if len(b.config.Path) == 0 {
		b.config.Path = defaultDbFile
	}

	if len(b.config.Bucket) == 0 {
		b.config.Bucket = defaultBucket
	}

	var err error
	b.db, err = bbolt.Open(b.config.Path, 0600, b.config.Options)
	if err != nil {
		return nil, err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(b.config.Bucket))
		return err
	})
	if err != nil {
		_ = b.db.Close()
		return nil, err
	}

	return b, nil
}

// Close closes the boltdb instance.
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

	r := new(payloads.Record)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.config.Bucket))
		value := bucket.Get([]byte(payloads.Key(id)))
		if value == nil {
			return payloads.ErrNotFound
		}

		return r.UnmarshalBinary(value)
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// SetRecord upserts the payload record for an id.
func (b *Backend) SetRecord(id uint64, r *payloads.Record) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		data, err := r.MarshalBinary()
		if err != nil {
			return err
		}

		bucket := tx.Bucket([]byte(b.config.Bucket))
		return bucket.Put([]byte(payloads.Key(id)), data)
	})
	if err != nil {
		b.Log.Error("failed to upsert data", "error", err, "payload_id", id)
	}
	return err
}

// DeleteRecord deletes the payload record for an id.
func (b *Backend) DeleteRecord(id uint64) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.config.Bucket))
		return bucket.Delete([]byte(payloads.Key(id)))
	})
	if err != nil {
		b.Log.Error("failed to delete data", "error", err, "payload_id", id)
	}
	return err
}

// Purge drops and recreates the payload bucket.
func (b *Backend) Purge() error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(b.config.Bucket)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}

		_, err := tx.CreateBucket([]byte(b.config.Bucket))
		return err
	})
}
