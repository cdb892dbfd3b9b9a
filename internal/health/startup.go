// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coderunner-dev/agentd/internal/config"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment and dependencies before
// starting the daemon's transports.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}

	if err := checkTargetedValidations(logger, cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("data_dir is not configured")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

// checkTargetedValidations performs checks that Validate cannot, because
// they require touching the filesystem or the OS (binary lookups,
// listen-address syntax beyond what net.SplitHostPort catches).
func checkTargetedValidations(logger zerolog.Logger, cfg config.AppConfig) error {
	if cfg.HTTPListenAddr != "" {
		if err := checkListenAddr(cfg.HTTPListenAddr); err != nil {
			return fmt.Errorf("invalid http_listen_addr: %w", err)
		}
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http listen address is valid")
	}
	if cfg.WSListenAddr != "" {
		if err := checkListenAddr(cfg.WSListenAddr); err != nil {
			return fmt.Errorf("invalid ws_listen_addr: %w", err)
		}
		logger.Info().Str("addr", cfg.WSListenAddr).Msg("ws listen address is valid")
	}

	if cfg.IPCSocketPath != "" {
		dir := filepath.Dir(cfg.IPCSocketPath)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("ipc_socket_path parent directory does not exist: %s", dir)
		}
	}

	if cmd := strings.TrimSpace(cfg.SandboxDefaultCommand); cmd != "" {
		if _, err := exec.LookPath(cmd); err != nil {
			return fmt.Errorf("sandbox_default_command %q not found on PATH: %w", cmd, err)
		}
		logger.Info().Str("command", cmd).Msg("sandbox default command is available")
	}

	return nil
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
