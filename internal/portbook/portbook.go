// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package portbook allocates and releases TCP ports from a fixed range
// for ProxySupervisor's sidecar listeners.
package portbook

import (
	"fmt"
	"net"
	"sync"

	"github.com/coderunner-dev/agentd/internal/apierr"
)

// Book is a fixed-range port allocator. A single mutex guards the whole
// allocation bitmap; allocation is not a hot path, so simplicity wins
// over lock striping.
type Book struct {
	mu       sync.Mutex
	min, max int
	inUse    map[int]struct{}
	last     int // Allocate scans upward from the slot after this one
}

// New builds a Book over the inclusive range [min, max].
func New(min, max int) *Book {
	return &Book{
		min:   min,
		max:   max,
		inUse: make(map[int]struct{}),
		last:  min - 1,
	}
}

// Allocate reserves and returns a free port, scanning upward from the
// most recently released port (or, if none was released since the last
// allocation, from the slot after the last allocated one), wrapping
// around the range once.
// Ports already reserved by this Book are skipped without a bind probe;
// every other candidate is probed with a real loopback bind to catch
// ports in use by processes outside agentd's bookkeeping.
func (b *Book) Allocate() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.last + 1
	if start > b.max {
		start = b.min
	}

	for i := 0; i < b.max-b.min+1; i++ {
		port := start + i
		if port > b.max {
			port -= (b.max - b.min + 1)
		}
		if _, reserved := b.inUse[port]; reserved {
			continue
		}
		if !probeFree(port) {
			continue
		}
		b.inUse[port] = struct{}{}
		b.last = port
		return port, nil
	}

	return 0, apierr.New(apierr.NoPortAvailable, fmt.Sprintf("no free port in range %d-%d", b.min, b.max))
}

// Release returns port to the pool. Releasing a port not currently held
// is a no-op. It also rewinds last to the released slot so the next
// Allocate resumes scanning from the most recently released port rather
// than the most recently allocated one.
func (b *Book) Release(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inUse, port)
	if port == b.min {
		b.last = b.max
	} else {
		b.last = port - 1
	}
}

// probeFree reports whether port can be bound on loopback right now.
func probeFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
