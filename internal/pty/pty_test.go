// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package pty

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCapturesOutputAndExits(t *testing.T) {
	var got []byte
	var mu sync.Mutex

	cmd := exec.Command("echo", "hello")
	s, err := Start(cmd, 80, 24, func(chunk []byte) {
		mu.Lock()
		got = append(got, chunk...)
		mu.Unlock()
	})
	require.NoError(t, err)

	ok := s.WaitTimeout(5 * time.Second)
	require.True(t, ok, "process did not exit in time")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(got), "hello")
}

func TestResizeAfterCloseReturnsErrClosed(t *testing.T) {
	cmd := exec.Command("sleep", "0.1")
	s, err := Start(cmd, 80, 24, nil)
	require.NoError(t, err)

	require.True(t, s.WaitTimeout(5*time.Second))
	assert.Error(t, s.Resize(100, 30))
}
