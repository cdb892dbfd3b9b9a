// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package pty allocates a pseudo-terminal for a spawned agent process and
// streams its output to callers as it arrives.
package pty

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// OutputFunc receives a chunk of PTY output as soon as it is read. It must
// not block for long: Session's read loop calls it synchronously between
// reads.
type OutputFunc func(chunk []byte)

// Session owns a running process attached to a PTY master.
//
// pty.Start puts the child in its own session (Setsid), which already
// makes it a process-group leader with PGID == PID; callers terminate it
// through internal/procgroup's PID-based group kill rather than calling
// procgroup.Set (which sets Setpgid and would conflict with Setsid on the
// same command).
type Session struct {
	Cmd *exec.Cmd

	mu     sync.Mutex
	master *os.File
	closed bool

	// Done is closed once the read loop has observed EOF and cmd.Wait has
	// returned.
	Done    chan struct{}
	WaitErr error
}

// Start allocates a PTY, starts cmd attached to it with the given initial
// size, and launches the background read loop that calls onOutput for
// every chunk read. onOutput may be nil.
func Start(cmd *exec.Cmd, cols, rows uint16, onOutput OutputFunc) (*Session, error) {
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	s := &Session{
		Cmd:    cmd,
		master: master,
		Done:   make(chan struct{}),
	}
	go s.readLoop(onOutput)
	return s, nil
}

// readLoop drains the PTY master until it returns EOF (the slave side
// closed because the process exited), then waits for the process and
// closes Done.
func (s *Session) readLoop(onOutput OutputFunc) {
	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			break
		}
	}

	s.WaitErr = s.Cmd.Wait()

	s.mu.Lock()
	if !s.closed {
		_ = s.master.Close()
		s.closed = true
	}
	s.mu.Unlock()

	close(s.Done)
}

// Write sends data to the child's stdin via the PTY master.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.master.Write(p)
}

// Resize updates the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	return pty.Setsize(s.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// WaitTimeout blocks until Done closes or timeout elapses, reporting
// whether the process has exited.
func (s *Session) WaitTimeout(timeout time.Duration) bool {
	select {
	case <-s.Done:
		return true
	case <-time.After(timeout):
		return false
	}
}
