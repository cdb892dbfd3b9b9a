// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package ws is the loopback WebSocket ingress surface. It serves two
// kinds of connection: a general event socket that mirrors the
// EventBus, and per-session terminal sockets that carry raw PTY bytes
// plus a small JSON control vocabulary.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/sessionmgr"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// upgrader only ever accepts loopback connections (the transport binds
// 127.0.0.1 only), so the origin check is permissive by design.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server binds the event socket and the per-session terminal sockets
// onto a chi router.
type Server struct {
	sessions   *sessionmgr.Manager
	bus        *eventbus.Bus
	logger     zerolog.Logger
	onActivity func()
	connected  int64
}

// New builds a Server. onActivity, if non-nil, is invoked once per
// accepted connection so Lifecycle can reset its idle-shutdown timer.
func New(sessions *sessionmgr.Manager, bus *eventbus.Bus, onActivity func()) *Server {
	return &Server{
		sessions:   sessions,
		bus:        bus,
		logger:     log.WithComponent("ws"),
		onActivity: onActivity,
	}
}

// Connected reports how many event or terminal sockets are currently
// open. Lifecycle treats a positive count as "a client is connected"
// for idle-shutdown purposes, regardless of request recency.
func (s *Server) Connected() int {
	return int(atomic.LoadInt64(&s.connected))
}

// Routes mounts the event and terminal sockets onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/events", s.handleEvents)
	r.Get("/terminal/{session_id}", s.handleTerminal)
}

// writeMu serializes concurrent writes onto one gorilla/websocket
// connection; the library forbids concurrent writers.
type safeConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *safeConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(v)
}

func (w *safeConn) writeBinary(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.BinaryMessage, p)
}

// --- general event socket ---

type subscribeMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.onActivity != nil {
		s.onActivity()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("event socket upgrade failed")
		return
	}
	defer conn.Close()
	sc := &safeConn{c: conn}

	atomic.AddInt64(&s.connected, 1)
	defer atomic.AddInt64(&s.connected, -1)

	var subMu sync.Mutex
	var sub *eventbus.Subscription
	resubscribe := func(topics []string) {
		subMu.Lock()
		defer subMu.Unlock()
		if sub != nil {
			sub.Close()
		}
		if len(topics) == 0 {
			sub = nil
			return
		}
		sub = s.bus.Subscribe(topics, func() {
			_ = sc.writeJSON(map[string]any{"type": "disconnected", "reason": "overflow"})
		})
		go s.pumpEvents(sc, sub)
	}

	go s.pingLoop(r.Context(), sc)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			resubscribe(msg.Topics)
		case "unsubscribe":
			resubscribe(nil)
		case "ping":
			_ = sc.writeJSON(map[string]string{"type": "pong"})
		}
	}

	subMu.Lock()
	if sub != nil {
		sub.Close()
	}
	subMu.Unlock()
}

func (s *Server) pumpEvents(sc *safeConn, sub *eventbus.Subscription) {
	for ev := range sub.C() {
		if err := sc.writeJSON(map[string]any{
			"type":    "event",
			"topic":   ev.Topic,
			"seq":     ev.Seq,
			"payload": ev.Payload,
			"dropped": ev.Dropped,
		}); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, sc *safeConn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sc.writeJSON(map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// --- per-session terminal socket ---

// terminalControl is the client-to-server control vocabulary: resize
// and signal requests.
type terminalControl struct {
	Type   string `json:"type"`
	Cols   uint16 `json:"cols,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// serverControl is the server-to-client control vocabulary mirrored
// from the session's control bus topic and used for connect/error
// notices the socket generates itself.
type serverControl struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Message   string `json:"message,omitempty"`
}

var namedSignals = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	if s.onActivity != nil {
		s.onActivity()
	}
	sessionID := chi.URLParam(r, "session_id")

	sub, snapshot, err := s.sessions.Attach(sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if apierr.Is(err, apierr.NotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Warn().Err(err).Msg("terminal socket upgrade failed")
		return
	}
	defer conn.Close()
	defer sub.Close()
	sc := &safeConn{c: conn}

	atomic.AddInt64(&s.connected, 1)
	defer atomic.AddInt64(&s.connected, -1)

	_ = sc.writeJSON(serverControl{Type: "connected", SessionID: sessionID})
	if len(snapshot) > 0 {
		_ = sc.writeBinary(snapshot)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pumpSession(sc, sub)
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			_ = s.sessions.Write(sessionID, raw)
			continue
		}

		var ctrl terminalControl
		if err := json.Unmarshal(raw, &ctrl); err != nil {
			continue
		}
		switch ctrl.Type {
		case "resize":
			if err := s.sessions.Resize(sessionID, ctrl.Cols, ctrl.Rows); err != nil {
				_ = sc.writeJSON(serverControl{Type: "error", Message: err.Error()})
			}
		case "signal":
			sig, ok := namedSignals[ctrl.Signal]
			if !ok {
				_ = sc.writeJSON(serverControl{Type: "error", Message: "unknown signal " + ctrl.Signal})
				continue
			}
			if err := s.sessions.Signal(sessionID, sig); err != nil {
				_ = sc.writeJSON(serverControl{Type: "error", Message: err.Error()})
			}
		}
	}

	<-done
}

// pumpSession forwards a session's data/control bus events onto the
// terminal socket until the subscription is closed.
func (s *Server) pumpSession(sc *safeConn, sub *eventbus.Subscription) {
	for ev := range sub.C() {
		switch payload := ev.Payload.(type) {
		case []byte:
			if err := sc.writeBinary(payload); err != nil {
				return
			}
		default:
			body, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			var ctrl serverControl
			if err := json.Unmarshal(body, &ctrl); err != nil {
				continue
			}
			if err := sc.writeJSON(ctrl); err != nil {
				return
			}
		}
	}
}
