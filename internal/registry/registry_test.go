// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunner-dev/agentd/internal/apierr"
)

func TestSyncWithoutURLFailsPrerequisiteMissing(t *testing.T) {
	c := New(t.TempDir(), "")
	_, err := c.Sync()
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.PrerequisiteMissing))
}

func TestSyncLandsCommitAndInspectListsIt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agents":[]}`))
	}))
	defer srv.Close()

	c := New(t.TempDir(), srv.URL)
	sha, err := c.Sync()
	require.NoError(t, err)
	assert.NotEmpty(t, sha)

	commits, err := c.Inspect()
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, sha, commits[0].SHA)
	assert.False(t, commits[0].Current)
}

func TestPinMovesCurrentSymlink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agents":[]}`))
	}))
	defer srv.Close()

	c := New(t.TempDir(), srv.URL)
	sha, err := c.Sync()
	require.NoError(t, err)

	require.NoError(t, c.Pin(sha))

	commits, err := c.Inspect()
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.True(t, commits[0].Current)
}

func TestPinUnknownSHAFailsNotFound(t *testing.T) {
	c := New(t.TempDir(), "https://example.invalid/registry")
	err := c.Pin("deadbeef")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.NotFound))
}
