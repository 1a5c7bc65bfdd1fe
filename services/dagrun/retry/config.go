// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"fmt"
	"strings"
	"time"
)

// Config is the serializable form of a Strategy.
type Config struct {
	// Strategy selects the variant: none, fixed, infinite or exponential.
	Strategy string `yaml:"strategy" json:"strategy" validate:"omitempty,oneof=none fixed infinite exponential"`

	// MaxRetries is the retry budget for fixed and exponential.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0"`

	// Delay is the constant wait for fixed and infinite.
	Delay time.Duration `yaml:"delay" json:"delay"`

	// BaseDelay is the first wait for exponential.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// Multiplier is the growth factor for exponential.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultConfig returns a config that never retries.
func DefaultConfig() Config {
	return Config{Strategy: KindNone.String()}
}

// Parse builds a Strategy from its config.
//
// Outputs:
//
//	Strategy - The validated strategy.
//	error - ErrInvalidStrategy if the name is unknown or parameters are invalid.
func Parse(cfg Config) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", "none":
		return None(), nil
	case "fixed":
		return FixedCount(cfg.MaxRetries, cfg.Delay)
	case "infinite":
		return Infinite(cfg.Delay)
	case "exponential":
		return ExponentialBackoff(cfg.MaxRetries, cfg.BaseDelay, cfg.Multiplier)
	default:
		return Strategy{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidStrategy, cfg.Strategy)
	}
}
