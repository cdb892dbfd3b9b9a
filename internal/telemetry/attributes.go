// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the agentd application.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Profile attributes
	ProfileAliasKey    = "profile.alias"
	ProfileAgentKey    = "profile.agent_id"
	ProfileProviderKey = "profile.provider_id"

	// Session attributes
	SessionIDKey    = "session.id"
	SessionStateKey = "session.state"
	SessionCodeKey  = "session.exit_code"

	// Proxy attributes
	ProxyAliasKey  = "proxy.alias"
	ProxyPortKey   = "proxy.port"
	ProxyStatusKey = "proxy.status"

	// Job attributes
	JobTypeKey     = "job.type"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// ProfileAttributes creates profile-related span attributes.
func ProfileAttributes(alias, agentID, providerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProfileAliasKey, alias),
		attribute.String(ProfileAgentKey, agentID),
		attribute.String(ProfileProviderKey, providerID),
	}
}

// SessionAttributes creates session-related span attributes.
func SessionAttributes(sessionID, state string, exitCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(SessionStateKey, state),
		attribute.Int(SessionCodeKey, exitCode),
	}
}

// ProxyAttributes creates sidecar-proxy-related span attributes.
func ProxyAttributes(alias, status string, port int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProxyAliasKey, alias),
		attribute.String(ProxyStatusKey, status),
		attribute.Int(ProxyPortKey, port),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobType, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
