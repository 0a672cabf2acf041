// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis keeps retained message payloads in a Redis hash set.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/go-redis/redis/v8"
	"github.com/mochi-mqtt/retainer/payloads"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi mqtt.
const defaultHPrefix = "mochi-"

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Options *redis.Options `yaml:"options" json:"options"`
}

// Backend is a payload backend using Redis.
type Backend struct {
	Log    *slog.Logger
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// Open connects a redis backend and returns a payload store over it.
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

// New initializes and connects to the redis service.
func New(config any, log *slog.Logger) (*Backend, error) {
	if _, ok := config.(*Options); !ok && config != nil {
		return nil, payloads.ErrInvalidConfigType
	}

	if log == nil {
		log = slog.Default()
	}

	if config == nil {
		config = new(Options)
	}

	b := &Backend{
		Log:    log,
		ctx:    context.Background(),
		config: config.(*Options),
	}

	if b.config.Options == nil {
		b.config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}

	if b.config.HPrefix == "" {
		b.config.HPrefix = defaultHPrefix
	}

	b.Log.Info("connecting to redis service",
		"address", b.config.Options.Addr,
		"username", b.config.Options.Username,
		"password-len", len(b.config.Options.Password),
		"db", b.config.Options.DB)

	b.db = redis.NewClient(b.config.Options)
	_, err := b.db.Ping(b.ctx).Result()
	if err != nil {
		_ = b.db.Close()
		return nil, fmt.Errorf("failed to ping service: %w", err)
	}

	b.Log.Info("connected to redis service")

	return b, nil
}

// hKey returns the hash set key holding payload records.
func (b *Backend) hKey() string {
	return b.config.HPrefix + payloads.PayloadKey
}

// Close closes the redis connection.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}

	b.Log.Info("disconnecting from redis service")
	return b.db.Close()
}

// GetRecord retrieves the payload record for an id.
func (b *Backend) GetRecord(id uint64) (*payloads.Record, error) {
	if b.db == nil {
		return nil, payloads.ErrStoreNotOpen
	}

	data, err := b.db.HGet(b.ctx, b.hKey(), payloads.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, payloads.ErrNotFound
	}

	if err != nil {
		b.Log.Error("failed to get data", "error", err, "payload_id", id)
		return nil, err
	}

	r := new(payloads.Record)
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	return r, nil
}

// SetRecord upserts the payload record for an id.
func (b *Backend) SetRecord(id uint64, r *payloads.Record) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	err := b.db.HSet(b.ctx, b.hKey(), payloads.Key(id), r).Err()
	if err != nil {
		b.Log.Error("failed to hset data", "error", err, "payload_id", id)
	}
	return err
}

// DeleteRecord deletes the payload record for an id.
func (b *Backend) DeleteRecord(id uint64) error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	err := b.db.HDel(b.ctx, b.hKey(), payloads.Key(id)).Err()
	if err != nil {
		b.Log.Error("failed to delete data", "error", err, "payload_id", id)
	}
	return err
}

// Purge deletes the payload hash set.
func (b *Backend) Purge() error {
	if b.db == nil {
		return payloads.ErrStoreNotOpen
	}

	return b.db.Del(b.ctx, b.hKey()).Err()
}
