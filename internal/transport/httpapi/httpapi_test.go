// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/coderunner-dev/agentd/internal/dispatcher"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := eventbus.New()
	secrets := secretstore.New()

	st, err := store.New(t.TempDir(), secrets, bus, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proxies := proxysupervisor.New(bus, st, portbook.New(23100, 23110), t.TempDir(), 3, time.Minute, 0)
	sessions := sessionmgr.New(bus, st, proxies, 4096, 2*time.Second, 4)
	st.SetLivenessChecker(combinedLiveness{sessions: sessions, proxies: proxies})

	reg := registry.New(t.TempDir(), "")
	d := dispatcher.New(st, secrets, sessions, proxies, reg, bus, "ws://127.0.0.1:8766")

	return New(d, Config{})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCreateGetListProfileOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec, out := doJSON(t, s, http.MethodPost, "/profiles", map[string]any{
		"alias": "dev", "agent_id": "claude-code", "provider_id": "anthropic", "api_key": "sk-123",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	rec, out = doJSON(t, s, http.MethodGet, "/profiles/dev", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "dev", data["Alias"])

	rec, out = doJSON(t, s, http.MethodGet, "/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := out["data"].([]any)
	assert.Len(t, list, 1)
}

func TestGetUnknownProfileReturns404Envelope(t *testing.T) {
	s := newTestServer(t)
	rec, out := doJSON(t, s, http.MethodGet, "/profiles/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, out["success"])
	errBody := out["error"].(map[string]any)
	assert.Equal(t, "NotFound", errBody["kind"])
}

func TestProfileCreateDuplicateAliasConflict(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"alias": "dev", "agent_id": "a", "provider_id": "p"}
	rec, _ := doJSON(t, s, http.MethodPost, "/profiles", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out := doJSON(t, s, http.MethodPost, "/profiles", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestDaemonStatusOverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec, out := doJSON(t, s, http.MethodGet, "/daemon/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, float64(0), data["sessions_active"])
}
