// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package profile defines the Profile and CredentialHandle entities: a
// named binding of a coding-agent to a provider, plus the ref-counted
// reference to the secret that authenticates it.
package profile

import (
	"regexp"
	"time"
)

// aliasPattern is the closed character set an alias must match.
var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidAlias reports whether alias satisfies the naming invariant.
func ValidAlias(alias string) bool {
	return alias != "" && aliasPattern.MatchString(alias)
}

// CredentialHandle is an opaque, content-addressed reference to a secret
// held in the OS keychain. Two profiles created with the same
// (provider_id, secret) resolve to the same handle and share its
// refcount; the secret itself never appears here or in any Profile
// field — only this handle does.
type CredentialHandle struct {
	ID       string // content address: hash of provider_id + secret
	RefCount int
}

// Profile is a named binding of an agent to a provider.
type Profile struct {
	Alias      string
	AgentID    string
	ProviderID string
	EndpointID string
	Model      string
	Args       []string
	Env        map[string]string // values that are secrets hold a CredentialHandle.ID, never a raw secret
	WorkingDir string

	// ProfileHome is derived, not persisted independently:
	// <profiles_root>/<agent_id>-profiles/<alias>.
	ProfileHome string

	HooksConfig *HooksConfig
	ProxyConfig *ProxyConfig

	CredentialHandleID string

	CreatedAt time.Time
	LastUsed  *time.Time
	TotalRuns int

	// DetectionCache is a supplemental, purely advisory pointer into the
	// badger-backed detection cache recording the last resolved agent
	// binary path/version for this profile, so session.create does not
	// re-probe PATH on every call. Never a source of truth.
	DetectionCache *DetectionCacheRef
}

// DetectionCacheRef is the supplemental detection-cache pointer.
type DetectionCacheRef struct {
	Key       string
	CheckedAt time.Time
}

// HooksConfig is the optional lifecycle-hook rule set for a profile,
// round-tripped through YAML for hooks.export/import.
type HooksConfig struct {
	Rules []HookRule `yaml:"rules,omitempty"`
}

// HookRule binds a shell command to an agent lifecycle event, optionally
// restricted to a set of tool names.
type HookRule struct {
	Name  string `yaml:"name"`
	Event string `yaml:"event"` // PreToolUse | PostToolUse | Notification | Stop

	// Matcher is a pipe-separated set of tool names, or "*" for all tools.
	Matcher string `yaml:"matcher,omitempty"`

	Command string `yaml:"command"`
}

// ProxyConfig is the optional sidecar-proxy configuration for a profile.
type ProxyConfig struct {
	Enabled bool              `toml:"enabled"`
	Extra   map[string]string `toml:"extra,omitempty"`
}
