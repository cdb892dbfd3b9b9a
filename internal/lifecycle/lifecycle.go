// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package lifecycle wires every component into a running daemon: it
// writes the endpoint descriptor, starts the three transports, watches
// for the idle-timeout condition, and drives the shutdown sequence on
// signal, idle, or an explicit daemon.stop.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/config"
	proxydomain "github.com/coderunner-dev/agentd/internal/domain/proxy"
	"github.com/coderunner-dev/agentd/internal/dispatcher"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/health"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/portbook"
	"github.com/coderunner-dev/agentd/internal/proxysupervisor"
	"github.com/coderunner-dev/agentd/internal/registry"
	"github.com/coderunner-dev/agentd/internal/secretstore"
	"github.com/coderunner-dev/agentd/internal/sessionmgr"
	"github.com/coderunner-dev/agentd/internal/store"
	"github.com/coderunner-dev/agentd/internal/telemetry"
	"github.com/coderunner-dev/agentd/internal/transport/httpapi"
	"github.com/coderunner-dev/agentd/internal/transport/ipc"
	"github.com/coderunner-dev/agentd/internal/transport/ws"
	"github.com/coderunner-dev/agentd/internal/version"
)

// endpointDescriptor is the small JSON file clients read to discover
// where the daemon listens.
type endpointDescriptor struct {
	PID            int    `json:"pid"`
	IPCSocketPath  string `json:"ipc_socket_path,omitempty"`
	HTTPListenAddr string `json:"http_listen_addr,omitempty"`
	WSListenAddr   string `json:"ws_listen_addr,omitempty"`
}

// livenessAdapter satisfies store.LivenessChecker by delegating to the
// real Manager and Supervisor, so Store.Delete can refuse Busy rather
// than orphan a running child.
type livenessAdapter struct {
	sessions *sessionmgr.Manager
	proxies  *proxysupervisor.Supervisor
}

func (a livenessAdapter) HasLiveSession(alias string) bool { return a.sessions.HasLiveSession(alias) }
func (a livenessAdapter) HasLiveProxy(alias string) bool    { return a.proxies.HasLiveProxy(alias) }

// App holds every wired component and the two long-lived HTTP servers
// fronting the loopback transports.
type App struct {
	snap config.Snapshot

	bus      *eventbus.Bus
	secrets  *secretstore.Store
	profiles *store.Store
	ports    *portbook.Book
	proxies  *proxysupervisor.Supervisor
	sessions *sessionmgr.Manager
	reg      *registry.Client
	disp     *dispatcher.Dispatcher
	recorder *telemetry.Recorder
	health   *health.Manager

	httpSrv *httpapi.Server
	wsSrv   *ws.Server
	ipcSrv  *ipc.Server

	httpListener *http.Server
	wsListener   *http.Server

	descriptorPath string
	logger         zerolog.Logger

	lastActivityMu sync.Mutex
	lastActivity   time.Time

	pinnedMu sync.Mutex
	pinned   bool

	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// New wires every component from an already-validated config.Snapshot.
// It does not start any transport; call Run for that.
func New(snap config.Snapshot) (*App, error) {
	if err := os.MkdirAll(snap.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bus := eventbus.New()
	secrets := secretstore.New()

	profiles, err := store.New(snap.Runtime.DataDir, secrets, bus, 512)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	adoptExistingHandles(profiles, secrets)

	ports := portbook.New(snap.App.ProxyPortRangeMin, snap.App.ProxyPortRangeMax)
	proxyDir := filepath.Join(snap.Runtime.DataDir, "proxy.d")
	proxies := proxysupervisor.New(bus, profiles, ports, proxyDir, snap.App.ProxyRestartLimit, time.Minute, 5*time.Second)
	sessions := sessionmgr.New(bus, profiles, proxies, snap.App.ScrollbackBytes, 5*time.Second, snap.App.MaxConcurrentSessions)

	profiles.SetLivenessChecker(livenessAdapter{sessions: sessions, proxies: proxies})

	reg := registry.New(snap.Runtime.DataDir, snap.App.RegistryURL)

	wsBaseURL := "ws://" + snap.Runtime.WSListenAddr
	disp := dispatcher.New(profiles, secrets, sessions, proxies, reg, bus, wsBaseURL)

	recorder, err := telemetry.NewRecorder(snap.Runtime.DataDir, bus)
	if err != nil {
		return nil, fmt.Errorf("open telemetry recorder: %w", err)
	}

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewKeychainChecker(func(ctx context.Context) error {
		return probeSecretStore(secrets)
	}))
	healthMgr.RegisterChecker(health.NewProfileStoreChecker(func() (int, error) {
		all, err := profiles.List()
		if err != nil {
			return 0, err
		}
		return len(all), nil
	}))
	healthMgr.RegisterChecker(health.NewProxySupervisorChecker(func() int {
		failed := 0
		for _, rec := range proxies.Status("") {
			if rec.Status == proxydomain.Failed {
				failed++
			}
		}
		return failed
	}))

	a := &App{
		snap:           snap,
		bus:            bus,
		secrets:        secrets,
		profiles:       profiles,
		ports:          ports,
		proxies:        proxies,
		sessions:       sessions,
		reg:            reg,
		disp:           disp,
		recorder:       recorder,
		health:         healthMgr,
		descriptorPath: filepath.Join(snap.Runtime.DataDir, "daemon-endpoint"),
		logger:         log.WithComponent("lifecycle"),
		lastActivity:   time.Now(),
		stopped:        make(chan struct{}),
	}

	disp.SetShutdown(func(ctx context.Context) error {
		go a.Shutdown(ctx)
		return nil
	})

	a.httpSrv = httpapi.New(disp, httpapi.Config{
		AllowedOrigins: snap.App.CORSAllowedOrigins,
		EnableMetrics:  true,
		OnActivity:     a.touch,
		Health:         healthMgr,
	})
	a.wsSrv = ws.New(sessions, bus, a.touch)
	a.ipcSrv = ipc.New(snap.Runtime.IPCSocketPath, disp, bus, a.touch)

	return a, nil
}

// probeSecretStore does a throwaway store/fetch/release round trip
// against the keychain so the health checker detects a keychain daemon
// that has gone away after startup, not just at startup.
func probeSecretStore(secrets *secretstore.Store) error {
	id, err := secrets.Put("health-probe", "probe")
	if err != nil {
		return err
	}
	defer func() { _ = secrets.Release(id) }()
	_, err = secrets.Get(id)
	return err
}

// adoptExistingHandles re-registers every CredentialHandleID already
// referenced by a persisted profile with the secret broker, so refcounts
// reflect reality on a restart rather than starting every handle at zero.
// A profile's own CredentialHandleID is skipped here: the Store adopts it
// when it loads the profile.
func adoptExistingHandles(profiles *store.Store, secrets *secretstore.Store) {
	all, err := profiles.List()
	if err != nil {
		return
	}
	for _, p := range all {
		for _, v := range p.Env {
			if isHandle(v) && v != p.CredentialHandleID {
				secrets.Adopt(v)
			}
		}
	}
}

func isHandle(v string) bool {
	return len(v) > 5 && v[:5] == "cred_"
}

func (a *App) touch() {
	a.lastActivityMu.Lock()
	a.lastActivity = time.Now()
	a.lastActivityMu.Unlock()
}

func (a *App) idleSince() time.Duration {
	a.lastActivityMu.Lock()
	since := time.Since(a.lastActivity)
	a.lastActivityMu.Unlock()
	return since
}

// Run writes the endpoint descriptor, starts every transport, and
// blocks until ctx is cancelled, the idle-timeout elapses, or
// daemon.stop is dispatched. It always runs the shutdown sequence
// before returning.
func (a *App) Run(ctx context.Context) error {
	if err := a.writeDescriptor(); err != nil {
		return err
	}
	defer a.removeDescriptor()

	a.recorder.Start()

	errCh := make(chan error, 2)
	if a.snap.Runtime.HTTPListenAddr != "" {
		a.httpListener = &http.Server{Addr: a.snap.Runtime.HTTPListenAddr, Handler: a.httpSrv.Handler()}
		go a.serveHTTP(a.httpListener, "http", errCh)
	}
	if a.snap.Runtime.WSListenAddr != "" {
		r := chi.NewRouter()
		a.wsSrv.Routes(r)
		a.wsListener = &http.Server{Addr: a.snap.Runtime.WSListenAddr, Handler: r}
		go a.serveHTTP(a.wsListener, "ws", errCh)
	}

	ipcCtx, cancelIPC := context.WithCancel(context.Background())
	go func() {
		if err := a.ipcSrv.Serve(ipcCtx); err != nil {
			select {
			case errCh <- fmt.Errorf("ipc transport: %w", err):
			default:
			}
		}
	}()

	idle := a.startIdleMonitor()
	defer idle.Stop()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.Error().Err(err).Msg("transport failed, shutting down")
	case <-a.stopped:
	}

	cancelIPC()
	return a.Shutdown(context.Background())
}

func (a *App) serveHTTP(srv *http.Server, name string, errCh chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		select {
		case errCh <- fmt.Errorf("%s transport: %w", name, err):
		default:
		}
	}
}

// startIdleMonitor ticks every 15 seconds and triggers Shutdown once the
// idle-timeout has elapsed with no recent activity, no live sessions,
// no live proxies, no open event/terminal sockets, and no pin.
func (a *App) startIdleMonitor() *time.Ticker {
	t := time.NewTicker(15 * time.Second)
	if a.snap.App.IdleTimeout <= 0 {
		return t
	}
	go func() {
		for range t.C {
			if a.isPinned() {
				continue
			}
			if a.idleSince() < a.snap.App.IdleTimeout {
				continue
			}
			live := false
			for _, rec := range a.sessions.List() {
				if !rec.Terminal() {
					live = true
				}
			}
			for _, rec := range a.proxies.Status("") {
				if rec.Status != proxydomain.Stopped && rec.Status != proxydomain.Failed {
					live = true
				}
			}
			if live {
				continue
			}
			if a.wsSrv.Connected() > 0 {
				continue
			}
			a.logger.Info().Dur("idle_for", a.idleSince()).Msg("idle timeout elapsed, shutting down")
			go func() { _ = a.Shutdown(context.Background()) }()
			return
		}
	}()
	return t
}

// Pin prevents idle-timeout shutdown until Unpin is called.
func (a *App) Pin()   { a.pinnedMu.Lock(); a.pinned = true; a.pinnedMu.Unlock() }
func (a *App) Unpin() { a.pinnedMu.Lock(); a.pinned = false; a.pinnedMu.Unlock() }

func (a *App) isPinned() bool {
	a.pinnedMu.Lock()
	defer a.pinnedMu.Unlock()
	return a.pinned
}

// Shutdown runs the exit sequence exactly once: stop accepting new
// requests, SIGTERM every child, wait the grace period, SIGKILL, fsync
// the Store. The endpoint descriptor is removed by Run when it returns.
// Safe to call more than once and from multiple goroutines; only the
// first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info().Msg("shutdown sequence starting")

		if a.httpListener != nil {
			_ = a.httpListener.Shutdown(ctx)
		}
		if a.wsListener != nil {
			_ = a.wsListener.Shutdown(ctx)
		}
		_ = a.ipcSrv.Close()

		a.sessions.ShutdownAll()
		a.proxies.StopAll()

		a.recorder.Stop()

		if err := a.profiles.Close(); err != nil {
			a.shutdownErr = err
			a.logger.Error().Err(err).Msg("failed to close store")
		}

		close(a.stopped)
		a.logger.Info().Msg("shutdown sequence complete")
	})
	return a.shutdownErr
}

func (a *App) writeDescriptor() error {
	desc := endpointDescriptor{
		PID:            os.Getpid(),
		IPCSocketPath:  a.snap.Runtime.IPCSocketPath,
		HTTPListenAddr: a.snap.Runtime.HTTPListenAddr,
		WSListenAddr:   a.snap.Runtime.WSListenAddr,
	}
	body, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode endpoint descriptor: %w", err)
	}
	if err := renameio.WriteFile(a.descriptorPath, body, 0o600); err != nil {
		return fmt.Errorf("write endpoint descriptor: %w", err)
	}
	return nil
}

func (a *App) removeDescriptor() {
	if err := os.Remove(a.descriptorPath); err != nil && !os.IsNotExist(err) {
		a.logger.Warn().Err(err).Msg("failed to remove endpoint descriptor")
	}
}

// probeEndpointInUse reports whether another daemon already owns the
// configured IPC socket, so main can exit with the "endpoint in use"
// status rather than silently stealing it.
func probeEndpointInUse(socketPath string) bool {
	if socketPath == "" {
		return false
	}
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ProbeEndpointInUse is the exported form main.go calls before New, so
// the "endpoint in use" exit code can be reported without partially
// constructing an App.
func ProbeEndpointInUse(socketPath string) bool { return probeEndpointInUse(socketPath) }
