// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package store

import (
	"time"

	"github.com/coderunner-dev/agentd/internal/domain/profile"
)

// profileRecord is the on-disk JSON shape of a profile, one file per
// alias at profiles/<alias>.json. It exists separately from
// profile.Profile so the wire/disk encoding can evolve independently of
// the in-memory entity.
type profileRecord struct {
	Alias      string            `json:"alias"`
	AgentID    string            `json:"agent_id"`
	ProviderID string            `json:"provider_id"`
	EndpointID string            `json:"endpoint_id"`
	Model      string            `json:"model"`
	Env        map[string]string `json:"env,omitempty"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`

	Metadata recordMetadata `json:"metadata"`
}

type recordMetadata struct {
	CreatedAt   time.Time             `json:"created_at"`
	LastUsed    *time.Time            `json:"last_used,omitempty"`
	TotalRuns   int                   `json:"total_runs"`
	ProfileHome string                `json:"profile_home"`
	HooksConfig *profile.HooksConfig  `json:"hooks_config,omitempty"`
	ProxyConfig *profile.ProxyConfig  `json:"proxy_config,omitempty"`

	CredentialHandleID string                     `json:"credential_handle_id,omitempty"`
	DetectionCache     *profile.DetectionCacheRef `json:"detection_cache,omitempty"`
}

func toRecord(p profile.Profile) profileRecord {
	return profileRecord{
		Alias:      p.Alias,
		AgentID:    p.AgentID,
		ProviderID: p.ProviderID,
		EndpointID: p.EndpointID,
		Model:      p.Model,
		Env:        p.Env,
		Args:       p.Args,
		WorkingDir: p.WorkingDir,
		Metadata: recordMetadata{
			CreatedAt:          p.CreatedAt,
			LastUsed:           p.LastUsed,
			TotalRuns:          p.TotalRuns,
			ProfileHome:        p.ProfileHome,
			HooksConfig:        p.HooksConfig,
			ProxyConfig:        p.ProxyConfig,
			CredentialHandleID: p.CredentialHandleID,
			DetectionCache:     p.DetectionCache,
		},
	}
}

func fromRecord(r profileRecord) profile.Profile {
	return profile.Profile{
		Alias:               r.Alias,
		AgentID:             r.AgentID,
		ProviderID:          r.ProviderID,
		EndpointID:          r.EndpointID,
		Model:               r.Model,
		Env:                 r.Env,
		Args:                r.Args,
		WorkingDir:          r.WorkingDir,
		CreatedAt:           r.Metadata.CreatedAt,
		LastUsed:            r.Metadata.LastUsed,
		TotalRuns:           r.Metadata.TotalRuns,
		ProfileHome:         r.Metadata.ProfileHome,
		HooksConfig:         r.Metadata.HooksConfig,
		ProxyConfig:         r.Metadata.ProxyConfig,
		CredentialHandleID:  r.Metadata.CredentialHandleID,
		DetectionCache:      r.Metadata.DetectionCache,
	}
}
