// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package proxysupervisor runs and supervises the per-profile sidecar
// routing process: port allocation via internal/portbook, health polling
// with exponential backoff, and a crash-loop breaker that gives up
// restarting a sidecar that keeps failing.
package proxysupervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/renameio/v2"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/domain/profile"
	proxydomain "github.com/coderunner-dev/agentd/internal/domain/proxy"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/metrics"
	"github.com/coderunner-dev/agentd/internal/portbook"
	"github.com/coderunner-dev/agentd/internal/procgroup"
)

const (
	healthInitialInterval = 50 * time.Millisecond
	healthMaxInterval     = 1 * time.Second
	healthTotalBudget     = 10 * time.Second

	restartLimitDefault    = 3
	restartWindowDefault   = time.Minute
	gracePeriodDefault     = 3 * time.Second
)

// ProfileProvider is the subset of the Store's read surface
// ProxySupervisor needs.
type ProfileProvider interface {
	GetProfile(alias string) (profile.Profile, error)
}

type proxyEntry struct {
	mu      sync.Mutex
	record  proxydomain.Record
	cmd     *exec.Cmd
	stopped chan struct{}

	// waitErr is cmd.Wait's result, recorded once by the reaper
	// goroutine before it closes stopped. os/exec permits exactly one
	// Wait call per process; Stop reads this instead of calling Wait
	// again.
	waitErr error

	restarts []time.Time
}

// Supervisor is the ProxySupervisor.
type Supervisor struct {
	bus    *eventbus.Bus
	store  ProfileProvider
	ports  *portbook.Book
	dataDir string

	restartLimit  int
	restartWindow time.Duration
	gracePeriod   time.Duration

	mu    sync.Mutex
	procs map[string]*proxyEntry
}

// New builds a Supervisor. portRange allocation is delegated to ports.
func New(bus *eventbus.Bus, store ProfileProvider, ports *portbook.Book, dataDir string, restartLimit int, restartWindow, gracePeriod time.Duration) *Supervisor {
	if restartLimit <= 0 {
		restartLimit = restartLimitDefault
	}
	if restartWindow <= 0 {
		restartWindow = restartWindowDefault
	}
	if gracePeriod <= 0 {
		gracePeriod = gracePeriodDefault
	}
	return &Supervisor{
		bus:           bus,
		store:         store,
		ports:         ports,
		dataDir:       dataDir,
		restartLimit:  restartLimit,
		restartWindow: restartWindow,
		gracePeriod:   gracePeriod,
		procs:         make(map[string]*proxyEntry),
	}
}

func (s *Supervisor) entry(alias string) *proxyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.procs[alias]
	if !ok {
		e = &proxyEntry{record: proxydomain.Record{ProfileAlias: alias, Status: proxydomain.Stopped}}
		s.procs[alias] = e
	}
	return e
}

// Enable marks a profile's proxy as wanted; the actual process starts on
// the next Start call (or the next session.create lifecycle coupling).
func (s *Supervisor) Enable(alias string) error {
	s.entry(alias) // ensure an entry exists so status() reports it
	return nil
}

// Disable stops the proxy if running and removes its bookkeeping entry.
func (s *Supervisor) Disable(alias string) error {
	_ = s.Stop(alias)
	s.mu.Lock()
	delete(s.procs, alias)
	s.mu.Unlock()
	return nil
}

// EnsureRunning starts the proxy for alias if it is not already Running,
// and blocks until it is Running or has definitively failed. This is the
// lifecycle-coupling hook SessionSupervisor calls before spawning an
// agent child for a profile with proxy enabled.
func (s *Supervisor) EnsureRunning(ctx context.Context, alias string) error {
	e := s.entry(alias)
	e.mu.Lock()
	status := e.record.Status
	e.mu.Unlock()
	if status == proxydomain.Running {
		return nil
	}
	return s.Start(ctx, alias)
}

// Start allocates a port, regenerates the sidecar config atomically,
// spawns the sidecar, and polls its health endpoint with exponential
// backoff until Running or health_timeout.
func (s *Supervisor) Start(ctx context.Context, alias string) error {
	prof, err := s.store.GetProfile(alias)
	if err != nil {
		return err
	}

	e := s.entry(alias)
	e.mu.Lock()
	if e.record.Status == proxydomain.Running || e.record.Status == proxydomain.Starting {
		e.mu.Unlock()
		return nil
	}
	e.record.Status = proxydomain.Starting
	e.mu.Unlock()
	metrics.SetProxiesActive(s.countActive())

	binary := sidecarBinary(prof)
	if _, err := exec.LookPath(binary); err != nil {
		s.fail(e, "binary_missing")
		return apierr.Wrap(apierr.PrerequisiteMissing, "binary_missing", fmt.Sprintf("sidecar binary %q not found", binary), err)
	}

	port, err := s.ports.Allocate()
	if err != nil {
		s.fail(e, "port_exhausted")
		return err
	}

	configPath, err := s.writeConfig(alias, port, prof)
	if err != nil {
		s.ports.Release(port)
		s.fail(e, "config_write")
		return apierr.Wrap(apierr.Storage, "config_write", "failed to write sidecar config", err)
	}

	logPath := filepath.Join(filepath.Dir(configPath), alias+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.ports.Release(port)
		s.fail(e, "log_open_failed")
		return apierr.Wrap(apierr.Storage, "log_open_failed", "failed to open sidecar log file", err)
	}

	cmd := exec.Command(binary, "--config", configPath)
	cmd.Env = os.Environ()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.ports.Release(port)
		s.fail(e, "spawn_failed")
		return apierr.Wrap(apierr.Spawn, "sidecar_spawn", "failed to start sidecar process", err)
	}

	stopped := make(chan struct{})
	e.mu.Lock()
	e.cmd = cmd
	e.stopped = stopped
	e.record.Port = port
	e.record.PID = cmd.Process.Pid
	e.record.ConfigPath = configPath
	e.record.LogPath = logPath
	e.record.StartedAt = time.Now()
	e.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		e.mu.Lock()
		e.waitErr = waitErr
		e.mu.Unlock()
		logFile.Close()
		close(stopped)
	}()

	if err := s.waitHealthy(ctx, port, stopped); err != nil {
		s.ports.Release(port)
		s.fail(e, "health_timeout")
		metrics.IncProxyHealthTimeout()
		return err
	}

	e.mu.Lock()
	e.record.Status = proxydomain.Running
	e.mu.Unlock()
	metrics.SetProxiesActive(s.countActive())
	s.bus.Publish("proxy."+alias+".status", e.record)
	go s.monitor(alias, e, port)

	return nil
}

// waitHealthy polls the sidecar's health endpoint with exponential
// backoff (50ms -> 1s cap) for up to 10s total.
func (s *Supervisor) waitHealthy(ctx context.Context, port int, stopped <-chan struct{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = healthInitialInterval
	b.MaxInterval = healthMaxInterval
	b.MaxElapsedTime = healthTotalBudget

	bctx := backoff.WithContext(b, ctx)

	op := func() error {
		select {
		case <-stopped:
			return backoff.Permanent(apierr.New(apierr.Spawn, "sidecar exited before becoming healthy"))
		default:
		}
		return probeHealth(port)
	}

	if err := backoff.Retry(op, bctx); err != nil {
		if apierr.Is(err, apierr.Spawn) {
			return err
		}
		return apierr.Wrap(apierr.Internal, "health_timeout", "sidecar did not become healthy in time", err)
	}
	return nil
}

func probeHealth(port int) error {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// monitor polls a Running sidecar's health periodically; three
// consecutive failures move it to Unhealthy and trigger a restart,
// subject to the crash-loop breaker.
func (s *Supervisor) monitor(alias string, e *proxyEntry, port int) {
	const pollInterval = 5 * time.Second
	consecutiveFailures := 0

	for {
		e.mu.Lock()
		stopped := e.stopped
		status := e.record.Status
		e.mu.Unlock()
		if status != proxydomain.Running && status != proxydomain.Unhealthy {
			return
		}

		select {
		case <-stopped:
			s.handleCrash(alias, e)
			return
		case <-time.After(pollInterval):
		}

		if err := probeHealth(port); err != nil {
			consecutiveFailures++
			if consecutiveFailures >= 3 {
				e.mu.Lock()
				e.record.Status = proxydomain.Unhealthy
				e.record.UnhealthySince = time.Now()
				e.record.UnhealthyReason = err.Error()
				e.mu.Unlock()
				s.bus.Publish("proxy."+alias+".status", e.record)
				s.handleCrash(alias, e)
				return
			}
		} else {
			consecutiveFailures = 0
		}
	}
}

// handleCrash accounts a restart attempt against the crash-loop breaker
// and either restarts the sidecar or marks it Failed.
func (s *Supervisor) handleCrash(alias string, e *proxyEntry) {
	e.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-s.restartWindow)
	kept := e.restarts[:0]
	for _, t := range e.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.restarts = kept
	overLimit := len(e.restarts) >= s.restartLimit
	if !overLimit {
		e.restarts = append(e.restarts, now)
	}
	port := e.record.Port
	e.mu.Unlock()

	s.ports.Release(port)

	if overLimit {
		s.fail(e, "crash_loop")
		metrics.RecordCircuitBreakerTrip("proxysupervisor:"+alias, "crash_loop")
		metrics.SetCircuitBreakerState("proxysupervisor:"+alias, "open")
		s.bus.Publish("proxy."+alias+".status", e.record)
		metrics.SetProxiesActive(s.countActive())
		return
	}

	e.mu.Lock()
	e.record.RestartCount++
	e.record.Status = proxydomain.Stopped
	cmd := e.cmd
	stopped := e.stopped
	e.mu.Unlock()
	if cmd != nil && stopped != nil {
		waitCh := make(chan error, 1)
		go func() { <-stopped; waitCh <- nil }()
		_ = procgroup.Terminate(cmd, waitCh, s.gracePeriod)
	}
	metrics.IncProxyRestart(alias)
	log.L().Warn().Str("alias", alias).Msg("restarting sidecar proxy after crash")
	_ = s.Start(context.Background(), alias)
}

func (s *Supervisor) fail(e *proxyEntry, reason string) {
	e.mu.Lock()
	e.record.Status = proxydomain.Failed
	e.record.FailedReason = reason
	e.mu.Unlock()
	metrics.SetProxiesActive(s.countActive())
}

// Stop gracefully stops the sidecar (SIGTERM, grace period, SIGKILL) and
// releases its port.
func (s *Supervisor) Stop(alias string) error {
	e := s.entry(alias)
	e.mu.Lock()
	if e.record.Status == proxydomain.Stopped || e.record.Status == proxydomain.Failed {
		e.mu.Unlock()
		return nil
	}
	e.record.Status = proxydomain.Stopping
	cmd := e.cmd
	stopped := e.stopped
	port := e.record.Port
	e.mu.Unlock()

	if cmd != nil && stopped != nil {
		waitCh := make(chan error, 1)
		go func() {
			<-stopped
			e.mu.Lock()
			waitErr := e.waitErr
			e.mu.Unlock()
			waitCh <- waitErr
		}()
		_ = procgroup.Terminate(cmd, waitCh, s.gracePeriod)
	}

	s.ports.Release(port)

	e.mu.Lock()
	e.record.Status = proxydomain.Stopped
	e.mu.Unlock()
	metrics.SetProxiesActive(s.countActive())
	s.bus.Publish("proxy."+alias+".status", e.record)
	return nil
}

// Restart stops then starts the sidecar.
func (s *Supervisor) Restart(ctx context.Context, alias string) error {
	if err := s.Stop(alias); err != nil {
		return err
	}
	return s.Start(ctx, alias)
}

// StopAll stops every known sidecar, used at daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	aliases := make([]string, 0, len(s.procs))
	for alias := range s.procs {
		aliases = append(aliases, alias)
	}
	s.mu.Unlock()

	for _, alias := range aliases {
		_ = s.Stop(alias)
	}
}

// Status returns a snapshot of one proxy's record, or all of them if
// alias is empty.
func (s *Supervisor) Status(alias string) []proxydomain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alias != "" {
		if e, ok := s.procs[alias]; ok {
			e.mu.Lock()
			defer e.mu.Unlock()
			return []proxydomain.Record{e.record}
		}
		return nil
	}

	out := make([]proxydomain.Record, 0, len(s.procs))
	for _, e := range s.procs {
		e.mu.Lock()
		out = append(out, e.record)
		e.mu.Unlock()
	}
	return out
}

// HasLiveProxy reports whether alias has a sidecar proxy that is not in
// a terminal stopped state, satisfying store.LivenessChecker.
func (s *Supervisor) HasLiveProxy(alias string) bool {
	s.mu.Lock()
	e, ok := s.procs[alias]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.record.Status {
	case proxydomain.Stopped, proxydomain.Failed:
		return false
	default:
		return true
	}
}

func (s *Supervisor) countActive() int {
	n := 0
	for _, e := range s.procs {
		e.mu.Lock()
		if e.record.Status == proxydomain.Running || e.record.Status == proxydomain.Unhealthy {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// writeConfig atomically (re)generates the sidecar's config file for
// alias bound to port.
func (s *Supervisor) writeConfig(alias string, port int, prof profile.Profile) (string, error) {
	dir := filepath.Join(s.dataDir, "proxy.d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, alias+".toml")

	body := fmt.Sprintf("alias = %q\nlisten_port = %d\n", alias, port)
	for k, v := range extraConfig(prof) {
		body += fmt.Sprintf("%s = %q\n", k, v)
	}

	if err := renameio.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func extraConfig(prof profile.Profile) map[string]string {
	if prof.ProxyConfig == nil {
		return nil
	}
	return prof.ProxyConfig.Extra
}

func sidecarBinary(prof profile.Profile) string {
	if prof.ProxyConfig != nil {
		if b, ok := prof.ProxyConfig.Extra["binary"]; ok && b != "" {
			return b
		}
	}
	return "agentd-proxy"
}
