// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/coderunner-dev/agentd/internal/config"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func testSnapshot(t *testing.T) config.Snapshot {
	t.Helper()
	dir := t.TempDir()
	app := config.DefaultAppConfig()
	app.DataDir = dir
	app.IPCSocketPath = filepath.Join(dir, "agentd.sock")
	app.HTTPListenAddr = "127.0.0.1:0"
	app.WSListenAddr = "127.0.0.1:0"
	app.IdleTimeout = 0
	return config.BuildSnapshot(app, config.DefaultEnv())
}

func TestNewWiresEveryComponent(t *testing.T) {
	snap := testSnapshot(t)

	app, err := New(snap)
	require.NoError(t, err)
	require.NotNil(t, app)
	require.NotNil(t, app.bus)
	require.NotNil(t, app.secrets)
	require.NotNil(t, app.profiles)
	require.NotNil(t, app.proxies)
	require.NotNil(t, app.sessions)
	require.NotNil(t, app.disp)
	require.NotNil(t, app.recorder)
	require.NotNil(t, app.health)
	require.NotNil(t, app.httpSrv)
	require.NotNil(t, app.wsSrv)
	require.NotNil(t, app.ipcSrv)
}

func TestRunWritesDescriptorAndShutsDownOnContextCancel(t *testing.T) {
	snap := testSnapshot(t)

	app, err := New(snap)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(snap.Runtime.DataDir, "daemon-endpoint"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	body, err := os.ReadFile(filepath.Join(snap.Runtime.DataDir, "daemon-endpoint"))
	require.NoError(t, err)
	var desc endpointDescriptor
	require.NoError(t, json.Unmarshal(body, &desc))
	require.Equal(t, os.Getpid(), desc.PID)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	_, err = os.Stat(filepath.Join(snap.Runtime.DataDir, "daemon-endpoint"))
	require.True(t, os.IsNotExist(err), "descriptor file should be removed on shutdown")
}

func TestShutdownIsIdempotent(t *testing.T) {
	snap := testSnapshot(t)
	app, err := New(snap)
	require.NoError(t, err)

	require.NoError(t, app.Shutdown(context.Background()))
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestPinUnpinTogglesPinnedFlag(t *testing.T) {
	snap := testSnapshot(t)
	snap.App.IdleTimeout = time.Millisecond
	app, err := New(snap)
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	app.Pin()
	require.True(t, app.isPinned())
	app.Unpin()
	require.False(t, app.isPinned())
}

func TestProbeEndpointInUseFalseWhenNoListener(t *testing.T) {
	dir := t.TempDir()
	require.False(t, ProbeEndpointInUse(filepath.Join(dir, "no-such.sock")))
}
