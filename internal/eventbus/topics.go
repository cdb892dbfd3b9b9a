// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package eventbus

import "strings"

// MatchTopic reports whether a published topic matches a subscriber's
// filter, which is either an exact topic or a "prefix.*" glob. The bare
// filter "*" matches every topic.
func MatchTopic(filter, topic string) bool {
	if filter == "*" {
		return true
	}
	if !strings.HasSuffix(filter, ".*") {
		return filter == topic
	}
	prefix := strings.TrimSuffix(filter, "*")
	return strings.HasPrefix(topic, prefix)
}

// MatchAny reports whether topic matches any of the given filters.
func MatchAny(filters []string, topic string) bool {
	for _, f := range filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}
