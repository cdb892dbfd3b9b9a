// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package config provides configuration management for agentd.
package config
