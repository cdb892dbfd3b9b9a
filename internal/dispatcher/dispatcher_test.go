// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/domain/profile"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/portbook"
	"github.com/coderunner-dev/agentd/internal/proxysupervisor"
	"github.com/coderunner-dev/agentd/internal/registry"
	"github.com/coderunner-dev/agentd/internal/secretstore"
	"github.com/coderunner-dev/agentd/internal/sessionmgr"
	"github.com/coderunner-dev/agentd/internal/store"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	m.Run()
}

type combinedLiveness struct {
	sessions *sessionmgr.Manager
	proxies  *proxysupervisor.Supervisor
}

func (c combinedLiveness) HasLiveSession(alias string) bool { return c.sessions.HasLiveSession(alias) }
func (c combinedLiveness) HasLiveProxy(alias string) bool   { return c.proxies.HasLiveProxy(alias) }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	bus := eventbus.New()
	secrets := secretstore.New()

	st, err := store.New(t.TempDir(), secrets, bus, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proxies := proxysupervisor.New(bus, st, portbook.New(23000, 23010), t.TempDir(), 3, time.Minute, 0)
	sessions := sessionmgr.New(bus, st, proxies, 4096, 2*time.Second, 4)
	st.SetLivenessChecker(combinedLiveness{sessions: sessions, proxies: proxies})

	reg := registry.New(t.TempDir(), "")

	return New(st, secrets, sessions, proxies, reg, bus, "ws://127.0.0.1:8766")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return buf
}

func TestDispatchUnknownOpFails(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "nonexistent.op", nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.InvalidArgument))
}

func TestProfileCreateGetListRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), "profile.create", mustJSON(t, profileCreateArgs{
		Alias: "dev", AgentID: "claude-code", ProviderID: "anthropic", APIKey: "sk-123",
	}))
	require.NoError(t, err)

	got, err := d.Dispatch(context.Background(), "profile.get", mustJSON(t, aliasArgs{Alias: "dev"}))
	require.NoError(t, err)
	assert.Equal(t, "dev", got.(profile.Profile).Alias)

	list, err := d.Dispatch(context.Background(), "profile.list", nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProfileEnvResolvesSecretHandle(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), "profile.create", mustJSON(t, profileCreateArgs{
		Alias: "dev", AgentID: "a", ProviderID: "anthropic", APIKey: "sk-very-secret",
	}))
	require.NoError(t, err)

	env, err := d.Dispatch(context.Background(), "profile.env", mustJSON(t, aliasArgs{Alias: "dev"}))
	require.NoError(t, err)
	m := env.(map[string]string)
	assert.Equal(t, "sk-very-secret", m["AGENTD_CREDENTIAL_anthropic"])
}

func TestProfileDeleteRemovesProfile(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "profile.create", mustJSON(t, profileCreateArgs{
		Alias: "dev", AgentID: "a", ProviderID: "p",
	}))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "profile.delete", mustJSON(t, aliasArgs{Alias: "dev"}))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "profile.get", mustJSON(t, aliasArgs{Alias: "dev"}))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestHooksAddListRemoveRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "profile.create", mustJSON(t, profileCreateArgs{
		Alias: "dev", AgentID: "a", ProviderID: "p",
	}))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "hooks.add", mustJSON(t, hookArgs{
		Alias: "dev", Name: "lint", Event: "PostToolUse", Matcher: "*", Command: "echo done",
	}))
	require.NoError(t, err)

	list, err := d.Dispatch(context.Background(), "hooks.list", mustJSON(t, aliasArgs{Alias: "dev"}))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = d.Dispatch(context.Background(), "hooks.remove", mustJSON(t, hookArgs{Alias: "dev", Name: "lint"}))
	require.NoError(t, err)

	list, err = d.Dispatch(context.Background(), "hooks.list", mustJSON(t, aliasArgs{Alias: "dev"}))
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestDaemonStatusReportsNoActiveSessionsInitially(t *testing.T) {
	d := newTestDispatcher(t)
	status, err := d.Dispatch(context.Background(), "daemon.status", nil)
	require.NoError(t, err)
	res := status.(daemonStatusResult)
	assert.Equal(t, 0, res.SessionsActive)
}

func TestRegistrySyncWithoutURLFailsPrerequisiteMissing(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "registry.sync", nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.PrerequisiteMissing))
}
