// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package portbook

import (
	"testing"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReleaseRepeatReturnsSamePort(t *testing.T) {
	b := New(20000, 20001)

	p1, err := b.Allocate()
	require.NoError(t, err)
	b.Release(p1)

	p2, err := b.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestAllocateExhaustionReturnsNoPortAvailable(t *testing.T) {
	b := New(20010, 20011)

	_, err := b.Allocate()
	require.NoError(t, err)
	_, err = b.Allocate()
	require.NoError(t, err)

	_, err = b.Allocate()
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.NoPortAvailable))
}

func TestReleaseThenAllocateFreesRangeAgain(t *testing.T) {
	b := New(20020, 20021)

	p1, err := b.Allocate()
	require.NoError(t, err)
	_, err = b.Allocate()
	require.NoError(t, err)

	b.Release(p1)
	p3, err := b.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}
