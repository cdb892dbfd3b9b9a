// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package config

import "errors"

var (
	// ErrUnknownConfigField is a sentinel for config parse failures caused by unknown keys.
	// Loader.Load does not check for unknown TOML keys and never returns it.
	ErrUnknownConfigField = errors.New("unknown config field")
)
