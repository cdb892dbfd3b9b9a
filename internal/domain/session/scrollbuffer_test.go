// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrollBufferAppendReturnsMonotonicSeq(t *testing.T) {
	sb := NewScrollBuffer(1024)
	seq1 := sb.Append([]byte("abc"))
	seq2 := sb.Append([]byte("de"))
	assert.Equal(t, uint64(3), seq1)
	assert.Equal(t, uint64(5), seq2)
}

func TestScrollBufferSnapshotWithinRange(t *testing.T) {
	sb := NewScrollBuffer(1024)
	sb.Append([]byte("hello"))
	data, base := sb.Snapshot(2)
	require.Equal(t, []byte("llo"), data)
	assert.Equal(t, uint64(0), base)
}

func TestScrollBufferSnapshotTooOldResyncsToCurrentBase(t *testing.T) {
	sb := NewScrollBuffer(4)
	sb.Append([]byte("abcdef")) // trims to last 4 bytes: "cdef", base=2

	data, base := sb.Snapshot(0) // older than oldest retained byte
	assert.Equal(t, []byte("cdef"), data)
	assert.Equal(t, uint64(2), base)
}

func TestScrollBufferSnapshotAtHeadReturnsEmpty(t *testing.T) {
	sb := NewScrollBuffer(1024)
	sb.Append([]byte("abc"))
	data, _ := sb.Snapshot(3)
	assert.Empty(t, data)
}
