// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package dispatcher is the request/reply router every transport calls
// into: it decodes a typed request, validates arguments, serializes
// mutating Store calls behind a single write lock, calls the
// appropriate component, and returns a typed response or a typed error.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/domain/profile"
	proxydomain "github.com/coderunner-dev/agentd/internal/domain/proxy"
	"github.com/coderunner-dev/agentd/internal/domain/session"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/metrics"
	"github.com/coderunner-dev/agentd/internal/proxysupervisor"
	"github.com/coderunner-dev/agentd/internal/registry"
	"github.com/coderunner-dev/agentd/internal/sessionmgr"
	"github.com/coderunner-dev/agentd/internal/store"
)

// ProfileStore is the subset of *store.Store the Dispatcher mutates and
// reads directly.
type ProfileStore interface {
	Get(alias string) (profile.Profile, error)
	List() ([]profile.Profile, error)
	Create(spec store.CreateSpec) (profile.Profile, error)
	Update(alias string, m store.Mutation) (profile.Profile, error)
	Delete(alias string) error
}

// SecretReader resolves a credential handle back to its raw secret, for
// profile.env's manual-shell-export convenience.
type SecretReader interface {
	Get(id string) (string, error)
}

// Dispatcher routes typed requests into Store, SessionSupervisor,
// ProxySupervisor and the registry client. One storeMu serializes every
// mutating Store call across every transport, per the single-writer
// discipline the Store requires.
type Dispatcher struct {
	storeMu sync.Mutex

	profiles ProfileStore
	secrets  SecretReader
	sessions *sessionmgr.Manager
	proxies  *proxysupervisor.Supervisor
	registry *registry.Client
	bus      *eventbus.Bus

	wsBaseURL string
	shutdown  func(ctx context.Context) error

	logger zerolog.Logger
}

// New builds a Dispatcher. wsBaseURL is prefixed to session ids to build
// the ws_url returned by session.create, e.g. "ws://127.0.0.1:8766".
func New(profiles ProfileStore, secrets SecretReader, sessions *sessionmgr.Manager, proxies *proxysupervisor.Supervisor, reg *registry.Client, bus *eventbus.Bus, wsBaseURL string) *Dispatcher {
	return &Dispatcher{
		profiles:  profiles,
		secrets:   secrets,
		sessions:  sessions,
		proxies:   proxies,
		registry:  reg,
		bus:       bus,
		wsBaseURL: wsBaseURL,
		logger:    log.WithComponent("dispatcher"),
	}
}

// SetShutdown wires the function daemon.stop invokes; set once by
// Lifecycle during startup.
func (d *Dispatcher) SetShutdown(fn func(ctx context.Context) error) {
	d.shutdown = fn
}

// Dispatch decodes args for op and routes to the matching handler.
// Every transport (IPC, HTTP, WebSocket) calls through here so the
// three ingress surfaces share one validation and routing path.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, args json.RawMessage) (result any, err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(apierr.KindOf(err))
		}
		metrics.IncDispatchRequest(op, outcome)
	}()

	h, ok := handlers[op]
	if !ok {
		return nil, apierr.New(apierr.InvalidArgument, fmt.Sprintf("unknown operation %q", op))
	}
	return h(ctx, d, args)
}

type handlerFunc func(ctx context.Context, d *Dispatcher, args json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	"profile.list":     handleProfileList,
	"profile.get":      handleProfileGet,
	"profile.create":   handleProfileCreate,
	"profile.delete":   handleProfileDelete,
	"profile.env":      handleProfileEnv,
	"session.create":   handleSessionCreate,
	"session.list":     handleSessionList,
	"session.info":     handleSessionInfo,
	"session.kill":     handleSessionKill,
	"session.cleanup":  handleSessionCleanup,
	"proxy.enable":     handleProxyEnable,
	"proxy.disable":    handleProxyDisable,
	"proxy.start":      handleProxyStart,
	"proxy.stop":       handleProxyStop,
	"proxy.restart":    handleProxyRestart,
	"proxy.status":     handleProxyStatus,
	"proxy.config":     handleProxyConfig,
	"proxy.logs":       handleProxyLogs,
	"proxy.route.add":  handleProxyRouteAdd,
	"hooks.add":        handleHooksAdd,
	"hooks.list":       handleHooksList,
	"hooks.remove":     handleHooksRemove,
	"hooks.import":     handleHooksImport,
	"hooks.export":     handleHooksExport,
	"registry.sync":    handleRegistrySync,
	"registry.inspect":  handleRegistryInspect,
	"registry.pin":     handleRegistryPin,
	"daemon.status":    handleDaemonStatus,
	"daemon.stop":      handleDaemonStop,
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return apierr.New(apierr.InvalidArgument, "malformed request arguments: "+err.Error())
	}
	return nil
}

// --- profile.* ---

type profileListArgs struct {
	Agent string `json:"agent,omitempty"`
}

func handleProfileList(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a profileListArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	profiles, err := d.profiles.List()
	if err != nil {
		return nil, err
	}
	if a.Agent == "" {
		return profiles, nil
	}
	out := make([]profile.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.AgentID == a.Agent {
			out = append(out, p)
		}
	}
	return out, nil
}

type aliasArgs struct {
	Alias string `json:"alias"`
}

func handleProfileGet(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.Alias == "" {
		return nil, apierr.New(apierr.InvalidArgument, "alias is required")
	}
	return d.profiles.Get(a.Alias)
}

type profileCreateArgs struct {
	Alias      string            `json:"alias"`
	AgentID    string            `json:"agent_id"`
	ProviderID string            `json:"provider_id"`
	EndpointID string            `json:"endpoint_id,omitempty"`
	Model      string            `json:"model,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Proxy      *profile.ProxyConfig `json:"proxy,omitempty"`
}

func handleProfileCreate(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a profileCreateArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.Alias == "" || a.AgentID == "" || a.ProviderID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "alias, agent_id and provider_id are required")
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	return d.profiles.Create(store.CreateSpec{
		Alias:        a.Alias,
		AgentID:      a.AgentID,
		ProviderID:   a.ProviderID,
		EndpointID:   a.EndpointID,
		Model:        a.Model,
		Args:         a.Args,
		Env:          a.Env,
		WorkingDir:   a.WorkingDir,
		SecretEnvKey: defaultSecretEnvKey(a.ProviderID),
		Secret:       a.APIKey,
		ProxyConfig:  a.Proxy,
	})
}

// defaultSecretEnvKey names the env var that receives the credential
// handle ID for a provider, absent an explicit override.
func defaultSecretEnvKey(providerID string) string {
	if providerID == "" {
		return ""
	}
	return "AGENTD_CREDENTIAL_" + providerID
}

func handleProfileDelete(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.Alias == "" {
		return nil, apierr.New(apierr.InvalidArgument, "alias is required")
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	if err := d.profiles.Delete(a.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleProfileEnv(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	p, err := d.profiles.Get(a.Alias)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(p.Env))
	for k, v := range p.Env {
		if p.CredentialHandleID != "" && v == p.CredentialHandleID {
			secret, err := d.secrets.Get(v)
			if err != nil {
				return nil, err
			}
			out[k] = secret
			continue
		}
		out[k] = v
	}
	return out, nil
}

// --- session.* ---

type sandboxArgs struct {
	Mode    string   `json:"mode"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type sessionCreateArgs struct {
	ProfileAlias string      `json:"profile_alias"`
	Args         []string    `json:"args,omitempty"`
	Cols         uint16      `json:"cols,omitempty"`
	Rows         uint16      `json:"rows,omitempty"`
	WorkingDir   string      `json:"working_dir,omitempty"`
	Sandbox      sandboxArgs `json:"sandbox"`
}

type sessionCreateResult struct {
	SessionID string `json:"session_id"`
	WSURL     string `json:"ws_url"`
}

func handleSessionCreate(ctx context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a sessionCreateArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.ProfileAlias == "" {
		return nil, apierr.New(apierr.InvalidArgument, "profile_alias is required")
	}
	if a.Cols == 0 {
		a.Cols = 80
	}
	if a.Rows == 0 {
		a.Rows = 24
	}

	id, err := d.sessions.Create(ctx, sessionmgr.CreateParams{
		ProfileAlias: a.ProfileAlias,
		Args:         a.Args,
		Cols:         a.Cols,
		Rows:         a.Rows,
		WorkingDir:   a.WorkingDir,
		Sandbox: session.SandboxSpec{
			Mode:    a.Sandbox.Mode,
			Command: a.Sandbox.Command,
			Args:    a.Sandbox.Args,
		},
	})
	if err != nil {
		return nil, err
	}

	return sessionCreateResult{SessionID: id, WSURL: d.wsBaseURL + "/terminal/" + id}, nil
}

func handleSessionList(_ context.Context, d *Dispatcher, _ json.RawMessage) (any, error) {
	return d.sessions.List(), nil
}

type sessionIDArgs struct {
	SessionID string `json:"session_id"`
}

func handleSessionInfo(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a sessionIDArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return d.sessions.Info(a.SessionID)
}

func handleSessionKill(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a sessionIDArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.sessions.Kill(a.SessionID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleSessionCleanup(_ context.Context, d *Dispatcher, _ json.RawMessage) (any, error) {
	n := d.sessions.CleanupTerminated()
	return map[string]int{"cleaned": n}, nil
}

// --- proxy.* ---

func handleProxyEnable(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.proxies.Enable(a.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleProxyDisable(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.proxies.Disable(a.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleProxyStart(ctx context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.proxies.Start(ctx, a.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleProxyStop(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.proxies.Stop(a.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleProxyRestart(ctx context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.proxies.Restart(ctx, a.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleProxyStatus(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	_ = decode(args, &a)
	return d.proxies.Status(a.Alias), nil
}

func handleProxyConfig(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	records := d.proxies.Status(a.Alias)
	if len(records) == 0 {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("no proxy record for %q", a.Alias))
	}
	record := records[0]
	if record.ConfigPath == "" {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("proxy %q has no generated config yet", a.Alias))
	}
	body, err := os.ReadFile(record.ConfigPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Storage, "read_proxy_config", "read proxy config", err)
	}
	return map[string]string{"path": record.ConfigPath, "content": string(body)}, nil
}

// maxProxyLogLines caps how many trailing log lines proxy.logs returns so
// a long-running sidecar's log cannot balloon a single response.
const maxProxyLogLines = 200

func handleProxyLogs(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	records := d.proxies.Status(a.Alias)
	if len(records) == 0 {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("no proxy record for %q", a.Alias))
	}
	record := records[0]
	if record.LogPath == "" {
		return map[string][]string{"lines": {}}, nil
	}
	body, err := os.ReadFile(record.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{"lines": {}}, nil
		}
		return nil, apierr.Wrap(apierr.Storage, "read_proxy_log", "read proxy log", err)
	}
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) > maxProxyLogLines {
		lines = lines[len(lines)-maxProxyLogLines:]
	}
	return map[string][]string{"lines": lines}, nil
}

type proxyRouteAddArgs struct {
	Alias     string `json:"alias"`
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Target    string `json:"target"`
	Priority  int    `json:"priority"`
}

func handleProxyRouteAdd(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a proxyRouteAddArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.Alias == "" || a.Name == "" {
		return nil, apierr.New(apierr.InvalidArgument, "alias and name are required")
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	p, err := d.profiles.Get(a.Alias)
	if err != nil {
		return nil, err
	}
	pc := p.ProxyConfig
	if pc == nil {
		pc = &profile.ProxyConfig{Enabled: true}
	}
	extra := pc.Extra
	if extra == nil {
		extra = make(map[string]string)
	}
	extra["route:"+a.Name] = fmt.Sprintf("%s|%s|%d", a.Condition, a.Target, a.Priority)
	pc.Extra = extra

	return d.profiles.Update(a.Alias, store.Mutation{ProxyConfig: pc})
}

// --- hooks.* ---

type hookArgs struct {
	Alias   string `json:"alias"`
	Name    string `json:"name"`
	Event   string `json:"event"`
	Matcher string `json:"matcher,omitempty"`
	Command string `json:"command,omitempty"`
}

func handleHooksAdd(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a hookArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	switch a.Event {
	case "PreToolUse", "PostToolUse", "Notification", "Stop":
	default:
		return nil, apierr.New(apierr.InvalidArgument, fmt.Sprintf("unknown hook event %q", a.Event))
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	p, err := d.profiles.Get(a.Alias)
	if err != nil {
		return nil, err
	}
	hooks := p.HooksConfig
	if hooks == nil {
		hooks = &profile.HooksConfig{}
	}
	hooks.Rules = append(hooks.Rules, profile.HookRule{
		Name: a.Name, Event: a.Event, Matcher: a.Matcher, Command: a.Command,
	})

	return d.profiles.Update(a.Alias, store.Mutation{HooksConfig: hooks})
}

func handleHooksList(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	p, err := d.profiles.Get(a.Alias)
	if err != nil {
		return nil, err
	}
	if p.HooksConfig == nil {
		return []profile.HookRule{}, nil
	}
	return p.HooksConfig.Rules, nil
}

func handleHooksRemove(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a hookArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	p, err := d.profiles.Get(a.Alias)
	if err != nil {
		return nil, err
	}
	if p.HooksConfig == nil {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("hook %q not found", a.Name))
	}
	kept := p.HooksConfig.Rules[:0]
	removed := false
	for _, r := range p.HooksConfig.Rules {
		if r.Name == a.Name {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("hook %q not found", a.Name))
	}
	hooks := &profile.HooksConfig{Rules: kept}
	return d.profiles.Update(a.Alias, store.Mutation{HooksConfig: hooks})
}

type hooksImportArgs struct {
	Alias string `json:"alias"`
	YAML  string `json:"yaml"`
}

func handleHooksImport(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a hooksImportArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	var hooks profile.HooksConfig
	if err := yaml.Unmarshal([]byte(a.YAML), &hooks); err != nil {
		return nil, apierr.New(apierr.InvalidArgument, "malformed hooks yaml: "+err.Error())
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()
	return d.profiles.Update(a.Alias, store.Mutation{HooksConfig: &hooks})
}

func handleHooksExport(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a aliasArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	p, err := d.profiles.Get(a.Alias)
	if err != nil {
		return nil, err
	}
	hooks := p.HooksConfig
	if hooks == nil {
		hooks = &profile.HooksConfig{}
	}
	body, err := yaml.Marshal(hooks)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "encode_hooks", "encode hooks yaml", err)
	}
	return map[string]string{"yaml": string(body)}, nil
}

// --- registry.* ---

func handleRegistrySync(_ context.Context, d *Dispatcher, _ json.RawMessage) (any, error) {
	sha, err := d.registry.Sync()
	if err != nil {
		return nil, err
	}
	return map[string]string{"sha": sha}, nil
}

func handleRegistryInspect(_ context.Context, d *Dispatcher, _ json.RawMessage) (any, error) {
	return d.registry.Inspect()
}

type registryPinArgs struct {
	SHA string `json:"sha"`
}

func handleRegistryPin(_ context.Context, d *Dispatcher, args json.RawMessage) (any, error) {
	var a registryPinArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if err := d.registry.Pin(a.SHA); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- daemon.* ---

type daemonStatusResult struct {
	SessionsActive int                  `json:"sessions_active"`
	ProxiesActive  int                  `json:"proxies_active"`
	Proxies        []proxydomain.Record `json:"proxies"`
}

func handleDaemonStatus(_ context.Context, d *Dispatcher, _ json.RawMessage) (any, error) {
	sessions := d.sessions.List()
	active := 0
	for _, s := range sessions {
		if !s.Terminal() {
			active++
		}
	}
	proxies := d.proxies.Status("")
	return daemonStatusResult{
		SessionsActive: active,
		ProxiesActive:  len(proxies),
		Proxies:        proxies,
	}, nil
}

func handleDaemonStop(ctx context.Context, d *Dispatcher, _ json.RawMessage) (any, error) {
	if d.shutdown == nil {
		return nil, apierr.New(apierr.Internal, "shutdown hook not wired")
	}
	if err := d.shutdown(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
