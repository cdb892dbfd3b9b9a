// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package config

import "time"

// AppConfig is the validated, on-disk configuration for agentd. It is the
// payload carried through Loader.Load, ConfigHolder.Swap, and Reload.
type AppConfig struct {
	// DataDir is the root directory under which agentd persists state:
	// profiles, the badger-backed detection cache, and generated proxy
	// configs.
	DataDir string `toml:"data_dir"`

	// IPCSocketPath is the Unix domain socket (or named pipe path on
	// Windows) the IPC transport listens on.
	IPCSocketPath string `toml:"ipc_socket_path"`

	// HTTPListenAddr is the loopback address the HTTP transport binds,
	// e.g. "127.0.0.1:8765". Empty disables the HTTP transport.
	HTTPListenAddr string `toml:"http_listen_addr"`

	// WSListenAddr is the loopback address the WebSocket transport
	// binds. Empty disables the WebSocket transport.
	WSListenAddr string `toml:"ws_listen_addr"`

	// IdleTimeout is how long agentd waits with zero active sessions,
	// zero active proxies, and zero connected clients before it shuts
	// itself down. Zero disables idle shutdown.
	IdleTimeout time.Duration `toml:"idle_timeout"`

	// ScrollbackBytes bounds each session's retained output buffer.
	ScrollbackBytes int `toml:"scrollback_bytes"`

	// ProxyPortRangeMin/Max bound the ports ProxySupervisor probes when
	// allocating a sidecar listener.
	ProxyPortRangeMin int `toml:"proxy_port_range_min"`
	ProxyPortRangeMax int `toml:"proxy_port_range_max"`

	// ProxyHealthTimeout is loaded from the config file, but
	// ProxySupervisor does not read it: its health budget is a fixed 10s,
	// after which the sidecar is marked Failed(health_timeout).
	ProxyHealthTimeout time.Duration `toml:"proxy_health_timeout"`

	// ProxyRestartLimit is the maximum number of restarts
	// ProxySupervisor allows within a one-minute window before tripping
	// the crash-loop breaker and moving the proxy to Failed.
	ProxyRestartLimit int `toml:"proxy_restart_limit"`

	// SandboxDefaultCommand, when set, is checked for presence on PATH by
	// the startup checks. SessionManager does not read it or
	// SandboxDefaultArgs: a session requesting SandboxSpec.Mode ==
	// "default" fails with SandboxUnavailable.
	SandboxDefaultCommand string   `toml:"sandbox_default_command"`
	SandboxDefaultArgs    []string `toml:"sandbox_default_args"`

	// RegistryURL is the source agentd consults to resolve agent/provider
	// metadata (supported models, default endpoints) when a profile is
	// created without explicit overrides.
	RegistryURL string `toml:"registry_url"`

	// MaxConcurrentSessions bounds how many sessions may be Starting or
	// Running at once across all profiles.
	MaxConcurrentSessions int `toml:"max_concurrent_sessions"`

	// CORSAllowedOrigins restricts which Origins the HTTP transport
	// accepts, beyond the loopback-only default. The WebSocket transport
	// does not read it; its upgrader accepts every origin.
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`

	// LogLevel is the zerolog level name ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level"`
}

// DefaultAppConfig returns the configuration agentd runs with when no
// config file and no environment overrides are present.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		DataDir:               "",
		IPCSocketPath:         "",
		HTTPListenAddr:        "127.0.0.1:8765",
		WSListenAddr:          "127.0.0.1:8766",
		IdleTimeout:           5 * time.Minute,
		ScrollbackBytes:       1 << 20,
		ProxyPortRangeMin:     8080,
		ProxyPortRangeMax:     8180,
		ProxyHealthTimeout:    10 * time.Second,
		ProxyRestartLimit:     3,
		SandboxDefaultCommand: "",
		SandboxDefaultArgs:    nil,
		RegistryURL:           "",
		MaxConcurrentSessions: 32,
		CORSAllowedOrigins:    nil,
		LogLevel:              "info",
	}
}
