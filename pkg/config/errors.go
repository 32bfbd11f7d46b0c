// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrMissingHomeDir is returned when the leaseq home directory is not set.
	ErrMissingHomeDir = errors.New("leaseq home directory is required")

	// ErrInvalidTickInterval is returned when the tick interval is invalid.
	ErrInvalidTickInterval = errors.New("tick interval must be greater than 0")

	// ErrInvalidStaleThreshold is returned when a staleness threshold is invalid.
	ErrInvalidStaleThreshold = errors.New("stale thresholds must be greater than 0")
)
