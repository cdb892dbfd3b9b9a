// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package config

import "strings"

// ResolveDataDirFromEnv resolves the data directory from supported environment keys.
func ResolveDataDirFromEnv() string {
	if v := strings.TrimSpace(ParseString("AGENTD_DATA_DIR", "")); v != "" {
		return v
	}
	if v := strings.TrimSpace(ParseString("AGENTD_DATA", "")); v != "" {
		return v
	}
	return ""
}
