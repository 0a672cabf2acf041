// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger keeps retained message payloads in a BadgerDB file store,
// so that payload bytes do not have to be held in memory.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/mochi-mqtt/retainer/payloads"
)

const (
	// defaultDbFile is the default file path for the badger db file.
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // gc interval in seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// Setting it to a higher value would result in fewer space reclaims, while setting it to a lower value
	// would result in more space reclaims at the cost of increased activity on the LSM tree.
	// discardRatio must be in the range (0.0, 1.0), both endpoints excluded, otherwise, it will be set to the default value of 0.5.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
}

// Backend is a payload backend using a BadgerDB file store.
type Backend struct {
	Log      *slog.Logger
	config   *Options     // options for configuring the BadgerDB instance.
	gcTicker *time.Ticker  // Ticker for BadgerDB garbage collection.
	gcDone   chan struct{} // closed to stop the garbage collection loop.
	db       *badgerdb.DB  // the BadgerDB instance.
}

// Open opens a badger backend and returns a payload store over it.
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

// New initializes and connects to the badger instance.
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

	if b.config.GcInterval == 0 {
		b.config.GcInterval = defaultGcInterval
	}

	if b.config.GcDiscardRatio <= 0.0 || b.config.GcDiscardRatio >= 1.0 {
		b.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if b.config.Options == nil {
		defaultOpts := badgerdb.DefaultOptions(b.config.Path)
		b.config.Options = &defaultOpts
	}
	b.config.Options.Logger = b

	var err error
	b.db, err = badgerdb.Open(*b.config.Options)
	if err != nil {
		return nil, err
	}

	b.gcTicker = time.NewTicker(time.Duration(b.config.GcInterval) * time.Second)
	b.gcDone = make(chan struct{})
	go b.gcLoop(b.gcTicker, b.gcDone)

	return b, nil
}

// gcLoop periodically runs the garbage collection process to reclaim space in the value log files.
// Refer to: https://dgraph.io/docs/badger/get-started/#garbage-collection
func (b *Backend) gcLoop(ticker *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		again:
			err := b.db.RunValueLogGC(b.config.GcDiscardRatio)
			if err == nil {
				goto again
			}
		}
	}
}

// Close stops garbage collection and closes the badger instance.
func (b *Backend) Close() error {
	if b.gcTicker != nil {
		b.gcTicker.Stop()
	}

	if b.gcDone != nil {
		close(b.gcDone)
		b.gcDone = nil
	}

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
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(payloads.Key(id)))
		if err != nil {
			return err
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		return r.UnmarshalBinary(value)
	})

	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, payloads.ErrNotFound
	}

	if err != nil {
		b.Log.Error("failed to get data", "error", err, "payload_id", id)
		return nil, err
	}

	return r, nil
}

// SetRecord upserts the payload record for an id.
func (b *Backend) SetRecord(id uint64, r *payloads.Record) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	err := b.db.Update(func(txn *badgerdb.Txn) error {
		data, err := r.MarshalBinary()
		if err != nil {
			return err
		}
		return txn.Set([]byte(payloads.Key(id)), data)
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

	err := b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(payloads.Key(id)))
	})
	if err != nil {
		b.Log.Error("failed to delete data", "error", err, "payload_id", id)
	}
	return err
}

// Purge drops every payload record.
func (b *Backend) Purge() error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	return b.db.DropPrefix([]byte(payloads.PayloadKey + "_"))
}

// Errorf satisfies the badger interface for an error logger.
func (b *Backend) Errorf(m string, v ...any) {
	b.Log.Error(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Warningf satisfies the badger interface for a warning logger.
func (b *Backend) Warningf(m string, v ...any) {
	b.Log.Warn(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Infof satisfies the badger interface for an info logger.
func (b *Backend) Infof(m string, v ...any) {
	b.Log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}

// Debugf satisfies the badger interface for a debug logger.
func (b *Backend) Debugf(m string, v ...any) {
	b.Log.Debug(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...), "v", v)
}
