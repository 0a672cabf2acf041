// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, dduncan

// Package config builds retainer options from YAML or JSON configuration data.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/retainer"
	"github.com/mochi-mqtt/retainer/payloads"
	"github.com/mochi-mqtt/retainer/payloads/badger"
	"github.com/mochi-mqtt/retainer/payloads/bolt"
	"github.com/mochi-mqtt/retainer/payloads/pebble"
	"github.com/mochi-mqtt/retainer/payloads/redis"
)

const (
	LoggingOutputJSON = "JSON" // write logs as json
	LoggingOutputText = "TEXT" // write logs as text
)

// ErrMultiplePayloadStores indicates that more than one payload store was configured.
var ErrMultiplePayloadStores = errors.New("only one payload store may be configured")

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options  retainer.Options `yaml:"options" json:"options"`
	Payloads PayloadConfigs   `yaml:"payloads" json:"payloads"`
	Logging  *Logging         `yaml:"logging" json:"logging"`
}

// PayloadConfigs contains configurations for the different payload stores.
// At most one may be set; payloads are kept in memory when none is.
type PayloadConfigs struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// Logging contains configurations for the logger.
type Logging struct {
	Output string `yaml:"output" json:"output"`
	Level  string `yaml:"level" json:"level"`
}

// Logger returns a logger for the configured output and level. Unrecognised
// levels fall back to info.
func (l *Logging) Logger() *slog.Logger {
	if l == nil {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		slog.Warn(err.Error())
		slog.Warn(fmt.Sprintf("logging level not recognized, defaulting to level %s", slog.LevelInfo.String()))
		level = slog.LevelInfo
	}

	var handler slog.Handler
	switch l.Output {
	case LoggingOutputJSON:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case LoggingOutputText:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// count returns the number of payload stores configured.
func (pc PayloadConfigs) count() int {
	var n int
	for _, set := range []bool{pc.Badger != nil, pc.Bolt != nil, pc.Pebble != nil, pc.Redis != nil} {
		if set {
			n++
		}
	}

	return n
}

// Open opens the configured payload store, or an in-memory store if none is configured.
func (pc PayloadConfigs) Open(log *slog.Logger) (payloads.Store, error) {
	if pc.count() > 1 {
		return nil, ErrMultiplePayloadStores
	}

	switch {
	case pc.Badger != nil:
		return badger.Open(pc.Badger, log)
	case pc.Bolt != nil:
		return bolt.Open(pc.Bolt, log)
	case pc.Pebble != nil:
		return pebble.Open(pc.Pebble, log)
	case pc.Redis != nil:
		return redis.Open(pc.Redis, log)
	default:
		return payloads.NewMemory(), nil
	}
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into valid
// retainer options. The configured logger is built and the configured payload
// store is opened.
func FromBytes(b []byte) (*retainer.Options, error) {
	c := new(config)

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o := c.Options
	o.Logger = c.Logging.Logger()

	store, err := c.Payloads.Open(o.Logger)
	if err != nil {
		return nil, fmt.Errorf("open payload store: %w", err)
	}
	o.Payloads = store

	return &o, nil
}

// FromFile reads and parses a configuration file. An empty path returns nil options.
func FromFile(path string) (*retainer.Options, error) {
	if path == "" {
		slog.Default().Debug("no file path provided")
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(data)
}
