// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package sessionmgr supervises the full lifetime of PTY-attached agent
// child processes: spawn under a profile's environment, stream output to
// the ScrollBuffer and fanned-out viewers, accept input/resize/signal,
// and terminate cleanly on kill or shutdown.
package sessionmgr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/domain/profile"
	"github.com/coderunner-dev/agentd/internal/domain/session"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/metrics"
	"github.com/coderunner-dev/agentd/internal/procgroup"
	agentpty "github.com/coderunner-dev/agentd/internal/pty"
)

// DefaultGracePeriod is how long kill() waits after SIGTERM before
// escalating to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// ProfileProvider is the subset of the Store's read surface sessionmgr
// needs to resolve a profile's launch parameters.
type ProfileProvider interface {
	GetProfile(alias string) (profile.Profile, error)
}

// ProxyCoordinator is the subset of ProxySupervisor's surface
// SessionSupervisor needs for lifecycle coupling: starting a session
// whose profile has proxy enabled must start (or confirm) the sidecar
// before the agent child spawns.
type ProxyCoordinator interface {
	EnsureRunning(ctx context.Context, alias string) error
}

// CreateParams are the arguments to Create.
type CreateParams struct {
	ProfileAlias string
	Args         []string
	Cols, Rows   uint16
	WorkingDir   string
	Sandbox      session.SandboxSpec
}

// entry is one live or just-terminated session, with its own interior
// lock for viewer-set and state mutation, per the shared-resource policy:
// one mutex for the sessions directory insert/remove, one lock per
// SessionRecord for its own state.
type entry struct {
	mu     sync.Mutex
	record session.Record
	sb     *session.ScrollBuffer
	pty    *agentpty.Session
	cmd    *exec.Cmd

	// pendingKill is set when kill() is called while State == Starting; it
	// is applied as soon as the state reaches Running.
	pendingKill bool
}

// Manager is the SessionSupervisor.
type Manager struct {
	bus     *eventbus.Bus
	store   ProfileProvider
	proxies ProxyCoordinator

	scrollbackBytes int
	gracePeriod     time.Duration
	maxConcurrent   int

	mu       sync.Mutex
	sessions map[string]*entry
}

// New builds a Manager. scrollbackBytes <= 0 uses
// session.DefaultScrollbackCapacity.
func New(bus *eventbus.Bus, store ProfileProvider, proxies ProxyCoordinator, scrollbackBytes int, gracePeriod time.Duration, maxConcurrent int) *Manager {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Manager{
		bus:             bus,
		store:           store,
		proxies:         proxies,
		scrollbackBytes: scrollbackBytes,
		gracePeriod:     gracePeriod,
		maxConcurrent:   maxConcurrent,
		sessions:        make(map[string]*entry),
	}
}

func (m *Manager) countActive() int {
	n := 0
	for _, e := range m.sessions {
		e.mu.Lock()
		if !e.record.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Create spawns a new session and returns its ID. It blocks until the
// child has been spawned (or spawning has definitively failed); it does
// not wait for the child to produce output.
func (m *Manager) Create(ctx context.Context, p CreateParams) (string, error) {
	if p.Cols < 1 || p.Cols > 1000 || p.Rows < 1 || p.Rows > 1000 {
		return "", apierr.New(apierr.InvalidArgument, "cols and rows must be in [1, 1000]")
	}
	if p.WorkingDir != "" {
		if fi, err := os.Stat(p.WorkingDir); err != nil || !fi.IsDir() {
			return "", apierr.New(apierr.InvalidArgument, fmt.Sprintf("working_dir %q does not exist or is not a directory", p.WorkingDir))
		}
	}

	prof, err := m.store.GetProfile(p.ProfileAlias)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.countActive() >= m.maxConcurrent {
		m.mu.Unlock()
		return "", apierr.New(apierr.Busy, "maximum concurrent sessions reached")
	}
	id := uuid.NewString()
	e := &entry{
		record: session.Record{
			ID:           id,
			ProfileAlias: p.ProfileAlias,
			State:        session.Starting,
			Cols:         p.Cols,
			Rows:         p.Rows,
			CreatedAt:    time.Now(),
			SandboxSpec:  p.Sandbox,
		},
		sb: session.NewScrollBuffer(m.scrollbackBytes),
	}
	m.sessions[id] = e
	m.mu.Unlock()

	m.bus.Publish("session."+id+".control", controlEvent{Type: "created", SessionID: id})
	metrics.IncSessionTransition("none", "starting")

	if m.proxies != nil && prof.ProxyConfig != nil && prof.ProxyConfig.Enabled {
		if err := m.proxies.EnsureRunning(ctx, p.ProfileAlias); err != nil {
			m.fail(e, err)
			return "", err
		}
	}

	sandboxCmd, sandboxArgs, err := resolveSandbox(p.Sandbox, prof, p.Args)
	if err != nil {
		m.fail(e, err)
		return "", err
	}

	workingDir := p.WorkingDir
	if workingDir == "" {
		workingDir = prof.WorkingDir
	}
	if workingDir == "" {
		workingDir = prof.ProfileHome
	}

	cmd := exec.Command(sandboxCmd, sandboxArgs...)
	cmd.Dir = workingDir
	cmd.Env = buildChildEnv(prof)

	ptySession, err := agentpty.Start(cmd, p.Cols, p.Rows, func(chunk []byte) {
		m.onOutput(e, chunk)
	})
	if err != nil {
		wrapped := apierr.Wrap(apierr.Spawn, "pty_start", "failed to start agent process", err)
		m.fail(e, wrapped)
		return "", wrapped
	}

	e.mu.Lock()
	e.pty = ptySession
	e.cmd = cmd
	e.record.PID = cmd.Process.Pid
	e.record.State = session.Running
	queuedKill := e.pendingKill
	e.mu.Unlock()

	metrics.IncSessionTransition("starting", "running")
	m.bus.Publish("session."+id+".control", controlEvent{Type: "state_changed", State: "running"})
	m.refreshActiveGauge()

	go m.awaitExit(e)

	if queuedKill {
		go func() { _ = m.Kill(id) }()
	}

	return id, nil
}

// fail transitions a Starting session straight to Terminated without a
// child ever having spawned.
func (m *Manager) fail(e *entry, cause error) {
	e.mu.Lock()
	e.record.State = session.Terminated
	e.mu.Unlock()
	metrics.IncSessionTransition("starting", "terminated")
	m.bus.Publish("session."+e.record.ID+".control", controlEvent{Type: "state_changed", State: "terminated", Error: cause.Error()})
	m.refreshActiveGauge()
}

// onOutput appends chunk to the scrollback buffer and publishes it on
// the session's data topic under the same lock Attach takes for its
// snapshot+subscribe, so a concurrent Attach can never observe chunk in
// both the replayed snapshot and the live stream, nor miss it entirely.
func (m *Manager) onOutput(e *entry, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sb.Append(chunk)
	m.bus.Publish("session."+e.record.ID+".data", chunk)
}

func (m *Manager) awaitExit(e *entry) {
	<-e.pty.Done

	exitCode := 0
	if e.pty.WaitErr != nil {
		if exitErr, ok := e.pty.WaitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1 // io-error / signal
		}
	}

	e.mu.Lock()
	e.record.State = session.Terminated
	code := exitCode
	e.record.ExitCode = &code
	e.mu.Unlock()

	metrics.IncSessionTransition("running", "terminated")
	m.bus.Publish("session."+e.record.ID+".control", controlEvent{Type: "state_changed", State: "terminated", ExitCode: &code})
	m.refreshActiveGauge()
}

func (m *Manager) refreshActiveGauge() {
	m.mu.Lock()
	n := m.countActive()
	m.mu.Unlock()
	metrics.SetSessionsActive(n)
}

// controlEvent is the JSON control payload published on
// "session.<id>.control" and mirrored onto terminal WebSocket
// connections.
type controlEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Signal    int    `json:"signal,omitempty"`
	Error     string `json:"message,omitempty"`
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("session %q not found", id))
	}
	return e, nil
}

// Attach subscribes to a session's data and control topics and delivers
// the current ScrollBuffer contents atomically with respect to the
// subscription, so the caller sees no gap and no duplication between the
// replayed snapshot and subsequently published live bytes.
func (m *Manager) Attach(id string) (*eventbus.Subscription, []byte, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot, _ := e.sb.Snapshot(0)
	sub := m.bus.Subscribe([]string{"session." + id + ".data", "session." + id + ".control"}, func() {
		m.bus.Publish("session."+id+".control", controlEvent{Type: "backpressure_dropped", SessionID: id})
	})
	return sub, snapshot, nil
}

// Write sends bytes verbatim to the session's PTY master.
func (m *Manager) Write(id string, data []byte) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	p := e.pty
	e.mu.Unlock()
	if p == nil {
		return apierr.New(apierr.InvalidArgument, "session has no running process")
	}
	_, err = p.Write(data)
	return err
}

// Resize forwards a terminal size change to the PTY and fans out a
// Resized control event.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	if cols < 1 || cols > 1000 || rows < 1 || rows > 1000 {
		return apierr.New(apierr.InvalidArgument, "cols and rows must be in [1, 1000]")
	}
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	p := e.pty
	e.record.Cols, e.record.Rows = cols, rows
	e.mu.Unlock()
	if p == nil {
		return apierr.New(apierr.InvalidArgument, "session has no running process")
	}
	if err := p.Resize(cols, rows); err != nil {
		return err
	}
	m.bus.Publish("session."+id+".control", controlEvent{Type: "resized", Cols: cols, Rows: rows})
	return nil
}

// Signal delivers signum to the child's process group.
func (m *Manager) Signal(id string, signum syscall.Signal) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil {
		return apierr.New(apierr.InvalidArgument, "session has no running process")
	}
	return procgroup.Kill(cmd, signum)
}

// Kill terminates the session. A kill during Starting is queued and
// applied once the child reaches Running; a kill in Terminated is a
// no-op.
func (m *Manager) Kill(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.record.State {
	case session.Terminated:
		e.mu.Unlock()
		return nil
	case session.Starting:
		e.pendingKill = true
		e.mu.Unlock()
		return nil
	}
	cmd := e.cmd
	ptySession := e.pty
	e.mu.Unlock()

	if cmd == nil || ptySession == nil {
		return nil
	}

	waitCh := make(chan error, 1)
	go func() {
		<-ptySession.Done
		waitCh <- ptySession.WaitErr
	}()

	return procgroup.Terminate(cmd, waitCh, m.gracePeriod)
}

// Info returns a snapshot of the session's record.
func (m *Manager) Info(id string) (session.Record, error) {
	e, err := m.get(id)
	if err != nil {
		return session.Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

// List returns a snapshot of every known session's record, in insertion
// order.
func (m *Manager) List() []session.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Record, 0, len(m.sessions))
	for _, e := range m.sessions {
		e.mu.Lock()
		out = append(out, e.record)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasLiveSession reports whether any non-terminated session is bound to
// alias, satisfying store.LivenessChecker.
func (m *Manager) HasLiveSession(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sessions {
		e.mu.Lock()
		live := e.record.ProfileAlias == alias && !e.record.Terminal()
		e.mu.Unlock()
		if live {
			return true
		}
	}
	return false
}

// CleanupTerminated removes every session in a Terminated state from the
// in-memory directory and returns how many were removed.
func (m *Manager) CleanupTerminated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		e.mu.Lock()
		terminal := e.record.Terminal()
		e.mu.Unlock()
		if terminal {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// ShutdownAll terminates every non-terminal session's process group,
// used on daemon shutdown.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			log.L().Warn().Str("session_id", id).Err(err).Msg("error terminating session during shutdown")
		}
	}
}

func buildChildEnv(p profile.Profile) []string {
	env := os.Environ()
	env = append(env, "HOME="+p.ProfileHome, "TERM=xterm-256color")
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func resolveSandbox(spec session.SandboxSpec, p profile.Profile, agentArgs []string) (string, []string, error) {
	switch spec.Mode {
	case "", "off":
		if len(agentArgs) == 0 {
			return "", nil, apierr.New(apierr.InvalidArgument, "no command to run")
		}
		return agentArgs[0], agentArgs[1:], nil
	case "custom":
		if spec.Command == "" {
			return "", nil, apierr.New(apierr.InvalidArgument, "custom sandbox requires a command")
		}
		return spec.Command, append(append([]string(nil), spec.Args...), agentArgs...), nil
	case "default":
		return "", nil, apierr.New(apierr.SandboxUnavailable, "no host-native sandbox tool available")
	default:
		return "", nil, apierr.New(apierr.InvalidArgument, fmt.Sprintf("unknown sandbox mode %q", spec.Mode))
	}
}
