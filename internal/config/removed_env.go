// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"sort"

	"github.com/coderunner-dev/agentd/internal/log"
)

type RemovedEnvKey struct {
	Key     string
	Message string
}

var removedEnvKeys = []RemovedEnvKey{
	{
		Key:     "AGENTD_HTTP_ENABLE_HTTP2",
		Message: "HTTP/2 toggle removed; HTTP/2 is always enabled. Setting is ignored.",
	},
	{
		Key:     "AGENTD_RESUME_BACKEND",
		Message: "Resume backend selection removed. Setting is ignored.",
	},
	{
		Key:     "AGENTD_SESSION_BACKEND",
		Message: "Session backend selection removed. Setting is ignored.",
	},
	{
		Key:     "AGENTD_CAPABILITIES_BACKEND",
		Message: "Capabilities backend selection removed. Setting is ignored.",
	},
}

func FindActiveRemovedEnvKeysWithLookup(lookup envLookupFunc) []RemovedEnvKey {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	out := make([]RemovedEnvKey, 0, len(removedEnvKeys))
	for _, k := range removedEnvKeys {
		if _, ok := lookup(k.Key); ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func FindActiveRemovedEnvKeys() []RemovedEnvKey {
	return FindActiveRemovedEnvKeysWithLookup(os.LookupEnv)
}

func WarnRemovedEnvKeysWithLookup(lookup envLookupFunc) {
	active := FindActiveRemovedEnvKeysWithLookup(lookup)
	if len(active) == 0 {
		return
	}

	logger := log.WithComponent("config")
	for _, k := range active {
		logger.Warn().
			Str("key", k.Key).
			Msgf("REMOVED env var is set: %s", k.Message)
	}
}

func WarnRemovedEnvKeys() {
	WarnRemovedEnvKeysWithLookup(os.LookupEnv)
}
