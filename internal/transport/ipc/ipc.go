// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package ipc is the local Unix-domain-socket transport: length-prefixed
// framed JSON messages, one in-flight request/reply per connection, and
// unsolicited event frames pushed onto connections that have declared a
// subscription.
package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/dispatcher"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/log"
)

// maxFrameSize bounds a single incoming frame so a malformed or hostile
// local client cannot force an unbounded allocation.
const maxFrameSize = 16 << 20

// Server accepts connections on a Unix domain socket and serves the
// length-prefixed JSON request/reply protocol over each.
type Server struct {
	socketPath string
	dispatcher *dispatcher.Dispatcher
	bus        *eventbus.Bus
	logger     zerolog.Logger
	onActivity func()

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server bound to socketPath. The socket is not created
// until Serve is called. onActivity, if non-nil, is invoked once per
// accepted connection so Lifecycle can reset its idle-shutdown timer.
func New(socketPath string, d *dispatcher.Dispatcher, bus *eventbus.Bus, onActivity func()) *Server {
	return &Server{
		socketPath: socketPath,
		dispatcher: d,
		bus:        bus,
		logger:     log.WithComponent("ipc"),
		onActivity: onActivity,
	}
}

// Serve removes any stale socket file, binds a new Unix listener, and
// accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.Storage, "remove_stale_socket", "failed to remove stale IPC socket", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "listen_unix", "failed to bind IPC socket", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return apierr.Wrap(apierr.Internal, "chmod_socket", "failed to restrict IPC socket permissions", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return apierr.Wrap(apierr.Internal, "accept_unix", "IPC accept failed", err)
			}
		}
		if s.onActivity != nil {
			s.onActivity()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections. Neither Close nor cancelling
// ctx (passed to Serve) closes open connections; each one ends when its
// client disconnects, and Serve waits for them before it returns.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// incoming is the one wire shape a client sends: either a request
// (op present) or a subscription declaration (type present).
type incoming struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Type   string          `json:"type,omitempty"` // "subscribe" | "unsubscribe" | "ping"
	Topics []string        `json:"topics,omitempty"`
}

type outgoing struct {
	ID      string     `json:"id,omitempty"`
	Type    string     `json:"type,omitempty"` // "reply" | "event" | "pong"
	Success *bool      `json:"success,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Topic   string     `json:"topic,omitempty"`
	Seq     uint64     `json:"seq,omitempty"`
	Dropped uint64     `json:"dropped,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v outgoing) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(conn, v)
	}

	var subMu sync.Mutex
	var sub *eventbus.Subscription
	defer func() {
		subMu.Lock()
		if sub != nil {
			sub.Close()
		}
		subMu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	for {
		raw, err := readFrame(reader)
		if err != nil {
			return
		}

		var msg incoming
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = write(outgoing{Type: "reply", Success: boolPtr(false), Error: &errorBody{
				Kind: string(apierr.InvalidArgument), Message: "malformed request frame: " + err.Error(),
			}})
			continue
		}

		switch msg.Type {
		case "subscribe":
			subMu.Lock()
			if sub != nil {
				sub.Close()
			}
			sub = s.bus.Subscribe(msg.Topics, func() {
				_ = write(outgoing{Type: "event", Topic: "", Data: "disconnected: overflow"})
			})
			go s.pumpEvents(sub, write)
			subMu.Unlock()
			_ = write(outgoing{ID: msg.ID, Type: "reply", Success: boolPtr(true)})
		case "unsubscribe":
			subMu.Lock()
			if sub != nil {
				sub.Close()
				sub = nil
			}
			subMu.Unlock()
			_ = write(outgoing{ID: msg.ID, Type: "reply", Success: boolPtr(true)})
		case "ping":
			_ = write(outgoing{ID: msg.ID, Type: "pong"})
		default:
			result, err := s.dispatcher.Dispatch(ctx, msg.Op, msg.Args)
			if err != nil {
				_ = write(outgoing{ID: msg.ID, Type: "reply", Success: boolPtr(false), Error: &errorBody{
					Kind: string(apierr.KindOf(err)), Message: err.Error(),
				}})
				continue
			}
			_ = write(outgoing{ID: msg.ID, Type: "reply", Success: boolPtr(true), Data: result})
		}
	}
}

func (s *Server) pumpEvents(sub *eventbus.Subscription, write func(outgoing) error) {
	for ev := range sub.C() {
		if err := write(outgoing{Type: "event", Topic: ev.Topic, Seq: ev.Seq, Data: ev.Payload, Dropped: ev.Dropped}); err != nil {
			return
		}
	}
}

func boolPtr(b bool) *bool { return &b }

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON encoding of v.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame and returns its raw body.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds maximum of %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
