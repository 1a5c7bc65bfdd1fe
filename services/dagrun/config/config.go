// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads dagrun configuration from YAML, .env files and the
// environment.
//
// Precedence, lowest first: DefaultConfig, the YAML file, DAGRUN_* variables
// (which a .env file may supply).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dagrun/services/dagrun/retry"
	"github.com/AleutianAI/dagrun/services/dagrun/storage/badger"
	"github.com/AleutianAI/dagrun/services/dagrun/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variable overrides.
const (
	EnvEngineCount          = "DAGRUN_ENGINE_COUNT"
	EnvFailureInjectionRate = "DAGRUN_FAILURE_INJECTION_RATE"
	EnvLogLevel             = "DAGRUN_LOG_LEVEL"
	EnvHistoryPath          = "DAGRUN_HISTORY_PATH"
	EnvServerPort           = "DAGRUN_PORT"
)

// Config is the top-level dagrun configuration.
type Config struct {
	// EngineCount is the number of engine workers.
	EngineCount int `yaml:"engine_count" json:"engine_count" validate:"gte=1,lte=4096"`

	// FailureInjectionRate is the probability an attempt fails before running.
	FailureInjectionRate float64 `yaml:"failure_injection_rate" json:"failure_injection_rate" validate:"gte=0,lte=1"`

	// ResourceRetryDelay is the wait after resource contention.
	ResourceRetryDelay time.Duration `yaml:"resource_retry_delay" json:"resource_retry_delay" validate:"gte=0"`

	// FailurePolicy is stop_scheduling or abort_pending.
	FailurePolicy string `yaml:"failure_policy" json:"failure_policy" validate:"omitempty,oneof=stop_scheduling abort_pending"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// MaxNodes caps the size of submitted graphs. 0 means no extra cap.
	MaxNodes int `yaml:"max_nodes" json:"max_nodes" validate:"gte=0"`

	Retry     retry.Config     `yaml:"retry" json:"retry"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	History   badger.Config    `yaml:"history" json:"history"`
	Server    ServerConfig     `yaml:"server" json:"server"`
}

// ServerConfig configures the HTTP API and the directory watcher.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	// WatchRate is the maximum watched-file submissions per second. 0 is unlimited.
	WatchRate float64 `yaml:"watch_rate" json:"watch_rate" validate:"gte=0"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		EngineCount:          4,
		FailureInjectionRate: 0,
		ResourceRetryDelay:   100 * time.Millisecond,
		FailurePolicy:        "stop_scheduling",
		LogLevel:             "info",
		Retry:                retry.DefaultConfig(),
		Telemetry:            telemetry.DefaultConfig(),
		History:              badger.DefaultConfig(),
		Server: ServerConfig{
			Port:            12220,
			WatchRate:       5,
			MaxBodyBytes:    4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and that the retry section builds a strategy.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := retry.Parse(c.Retry); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Load builds the configuration.
//
// Description:
//
//	Starts from DefaultConfig, overlays path when it is not empty (unknown
//	keys are rejected), loads envFiles into the process environment without
//	overriding variables already set (missing files are skipped), applies
//	DAGRUN_* overrides and validates the result.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil on read, parse or validation failure.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig as YAML to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write config %s: %w", path, err)
	}
	return true, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup(EnvEngineCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, EnvEngineCount, v, err)
		}
		cfg.EngineCount = n
	}
	if v, ok := lookup(EnvFailureInjectionRate); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, EnvFailureInjectionRate, v, err)
		}
		cfg.FailureInjectionRate = f
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvHistoryPath); ok {
		cfg.History.Path = v
	}
	if v, ok := lookup(EnvServerPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, EnvServerPort, v, err)
		}
		cfg.Server.Port = n
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
