// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/secretstore"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	m.Run()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), secretstore.New(), eventbus.New(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Create(CreateSpec{
		Alias:      "dev",
		AgentID:    "claude-code",
		ProviderID: "anthropic",
		Model:      "claude",
	})
	require.NoError(t, err)
	assert.NotZero(t, p.CreatedAt)
	assert.NotEmpty(t, p.ProfileHome)

	got, err := s.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.Alias)
	assert.Equal(t, "claude-code", got.AgentID)
}

func TestCreateDuplicateAliasFailsAlreadyExists(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(CreateSpec{Alias: "dev", AgentID: "a", ProviderID: "p"})
	require.NoError(t, err)

	_, err = s.Create(CreateSpec{Alias: "dev", AgentID: "a", ProviderID: "p"})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.AlreadyExists))
}

func TestCreateWithSecretStoresHandleNotRawValue(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Create(CreateSpec{
		Alias:        "dev",
		AgentID:      "a",
		ProviderID:   "anthropic",
		SecretEnvKey: "ANTHROPIC_API_KEY",
		Secret:       "sk-super-secret",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.CredentialHandleID)
	assert.Equal(t, p.CredentialHandleID, p.Env["ANTHROPIC_API_KEY"])
	assert.NotContains(t, p.Env["ANTHROPIC_API_KEY"], "sk-super-secret")
}

func TestListReturnsInsertionOrder(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(CreateSpec{Alias: "bravo", AgentID: "a", ProviderID: "p"})
	require.NoError(t, err)
	_, err = s.Create(CreateSpec{Alias: "alpha", AgentID: "a", ProviderID: "p"})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bravo", list[0].Alias)
	assert.Equal(t, "alpha", list[1].Alias)
}

func TestUpdateIsSerializedPerAliasAndPersists(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateSpec{Alias: "dev", AgentID: "a", ProviderID: "p"})
	require.NoError(t, err)

	p, err := s.Update("dev", Mutation{Env: map[string]string{"FOO": "bar"}, TouchUsage: true})
	require.NoError(t, err)
	assert.Equal(t, "bar", p.Env["FOO"])
	assert.Equal(t, 1, p.TotalRuns)

	got, err := s.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, "bar", got.Env["FOO"])
}

func TestDeleteRefusesWhenLivenessCheckerReportsBusy(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateSpec{Alias: "dev", AgentID: "a", ProviderID: "p"})
	require.NoError(t, err)

	s.SetLivenessChecker(alwaysLive{})
	err = s.Delete("dev")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.Busy))
}

func TestDeleteReleasesCredentialAndRemovesProfile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateSpec{
		Alias: "dev", AgentID: "a", ProviderID: "anthropic",
		SecretEnvKey: "KEY", Secret: "sk-123",
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete("dev"))

	_, err = s.Get("dev")
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestInvalidCompatibilityRejectsPairing(t *testing.T) {
	s := newTestStore(t)
	s.SetCompatibilityChecker(rejectAll{})

	_, err := s.Create(CreateSpec{Alias: "dev", AgentID: "a", ProviderID: "p"})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.InvalidCompatibility))
}

type alwaysLive struct{}

func (alwaysLive) HasLiveSession(string) bool { return true }
func (alwaysLive) HasLiveProxy(string) bool   { return false }

type rejectAll struct{}

func (rejectAll) Compatible(string, string) bool { return false }
