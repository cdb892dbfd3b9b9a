// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coderunner-dev/agentd/internal/config"
	"github.com/coderunner-dev/agentd/internal/health"
	"github.com/coderunner-dev/agentd/internal/lifecycle"
	xglog "github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/secretstore"
	"github.com/coderunner-dev/agentd/internal/version"
)

// Exit codes, per the daemon's documented contract.
const (
	exitOK              = 0
	exitArgumentError   = 2
	exitEndpointInUse   = 3
	exitConfigError     = 4
	exitKeychainFailure = 5
	exitInternal        = 101
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (TOML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return exitOK
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "agentd: unrecognized argument %q\n", flag.Arg(0))
		return exitArgumentError
	}

	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "agentd",
		Version: version.Version,
	})
	logger := xglog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.WarnRemovedEnvKeys()

	effectiveConfigPath := resolveConfigPath(*configPath)
	loader := config.NewLoader(effectiveConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Str("event", "config.load_failed").Str("path", effectiveConfigPath).Msg("failed to load configuration")
		return exitConfigError
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "agentd",
		Version: version.Version,
	})

	holder := config.NewConfigHolder(cfg, loader, effectiveConfigPath)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "config.watcher_failed").Msg("config file watcher could not start, continuing without hot reload")
	}
	defer holder.Stop()

	snap := holder.Snapshot()
	if snap.Runtime.DataDir == "" {
		snap.Runtime.DataDir = filepath.Join(os.TempDir(), "agentd")
		logger.Warn().Str("event", "config.data_dir_default").Str("path", snap.Runtime.DataDir).
			Msg("data_dir not configured, defaulting under the system temp directory")
	}
	if err := os.MkdirAll(snap.Runtime.DataDir, 0o755); err != nil {
		logger.Error().Err(err).Str("event", "config.data_dir_unusable").Msg("failed to create data directory")
		return exitConfigError
	}

	if snap.Runtime.IPCSocketPath != "" && lifecycle.ProbeEndpointInUse(snap.Runtime.IPCSocketPath) {
		logger.Error().Str("event", "endpoint.in_use").Str("path", snap.Runtime.IPCSocketPath).Msg("an agentd instance is already listening on this endpoint")
		return exitEndpointInUse
	}

	snap.App.DataDir = snap.Runtime.DataDir
	if err := health.PerformStartupChecks(ctx, snap.App); err != nil {
		logger.Error().Err(err).Str("event", "startup.check_failed").Msg("startup checks failed")
		return exitConfigError
	}

	if err := probeKeychain(); err != nil {
		logger.Error().Err(err).Str("event", "keychain.unavailable").Msg("OS keychain is unavailable, refusing to start")
		return exitKeychainFailure
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("ipc_socket", snap.Runtime.IPCSocketPath).
		Str("http_addr", snap.Runtime.HTTPListenAddr).
		Str("ws_addr", snap.Runtime.WSListenAddr).
		Str("data_dir", snap.Runtime.DataDir).
		Msg("starting agentd")

	app, err := lifecycle.New(snap)
	if err != nil {
		logger.Error().Err(err).Str("event", "lifecycle.init_failed").Msg("failed to initialize daemon")
		return exitInternal
	}

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str("event", "lifecycle.run_failed").Msg("daemon exited with an error")
		return exitInternal
	}

	logger.Info().Str("event", "shutdown").Msg("agentd exited cleanly")
	return exitOK
}

// resolveConfigPath determines the config file to load: an explicit
// --config flag wins; otherwise agentd looks for config.toml under the
// data directory named by AGENTD_DATA_DIR, if one exists. A completely
// absent config is not an error: DefaultAppConfig plus environment
// overrides is a valid way to run agentd.
func resolveConfigPath(explicit string) string {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		return explicit
	}
	dataDir := strings.TrimSpace(config.ResolveDataDirFromEnv())
	if dataDir == "" {
		return ""
	}
	candidate := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// probeKeychain performs a throwaway store/fetch/delete round trip
// against the OS keychain so a missing keychain daemon (common in
// minimal containers) is caught before any profile is created, rather
// than surfacing as a confusing error on the first credential write.
func probeKeychain() error {
	s := secretstore.New()
	id, err := s.Put("agentd-startup-probe", "probe")
	if err != nil {
		return err
	}
	defer func() { _ = s.Release(id) }()
	if _, err := s.Get(id); err != nil {
		return err
	}
	return nil
}
