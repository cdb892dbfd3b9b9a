// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package httpapi is the loopback HTTP ingress surface: it binds every
// request in the external interface table onto a chi router and routes
// each into the Dispatcher, returning the {success,data} /
// {success:false,error} envelope.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/dispatcher"
	"github.com/coderunner-dev/agentd/internal/health"
	"github.com/coderunner-dev/agentd/internal/log"
	apimw "github.com/coderunner-dev/agentd/internal/api/middleware"
)

// Server is the loopback HTTP transport.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	logger     zerolog.Logger
	handler    http.Handler
	onActivity func()
	health     *health.Manager
}

// Config controls the middleware stack applied to the router. The zero
// value disables every optional cross-cutting concern and is fine for
// a purely-loopback deployment.
type Config struct {
	AllowedOrigins []string
	CSP            string
	EnableMetrics  bool
	TracingService string
	RateLimitRPS   int
	RateLimitBurst int

	// OnActivity, if set, is invoked once per request before it reaches
	// the dispatcher so Lifecycle can reset its idle-shutdown timer.
	OnActivity func()

	// Health, if set, backs /healthz and /readyz. Nil disables both
	// routes (they 404 instead of 200, rather than always reporting
	// healthy).
	Health *health.Manager
}

// New builds a Server. d must be non-nil.
func New(d *dispatcher.Dispatcher, cfg Config) *Server {
	s := &Server{
		dispatcher: d,
		logger:     log.WithComponent("httpapi"),
		onActivity: cfg.OnActivity,
		health:     cfg.Health,
	}

	r := apimw.NewRouter(apimw.StackConfig{
		EnableCORS:            true,
		AllowedOrigins:        cfg.AllowedOrigins,
		EnableSecurityHeaders: true,
		CSP:                   cfg.CSP,
		EnableMetrics:         cfg.EnableMetrics,
		TracingService:        cfg.TracingService,
		EnableLogging:         true,
		EnableRateLimit:       cfg.RateLimitRPS > 0,
		RateLimitEnabled:      cfg.RateLimitRPS > 0,
		RateLimitGlobalRPS:    cfg.RateLimitRPS,
		RateLimitBurst:        cfg.RateLimitBurst,
	})
	s.routes(r)
	s.handler = r
	return s
}

// Handler returns the root http.Handler, for tests and for embedding
// under a net/http.Server.
func (s *Server) Handler() http.Handler { return s.handler }

// route is one entry of the external interface table: an HTTP method,
// path and the dispatcher op it forwards to.
type route struct {
	method string
	path   string
	op     string
}

var routes = []route{
	{http.MethodGet, "/profiles", "profile.list"},
	{http.MethodGet, "/profiles/{alias}", "profile.get"},
	{http.MethodPost, "/profiles", "profile.create"},
	{http.MethodDelete, "/profiles/{alias}", "profile.delete"},
	{http.MethodGet, "/profiles/{alias}/env", "profile.env"},

	{http.MethodPost, "/sessions", "session.create"},
	{http.MethodGet, "/sessions", "session.list"},
	{http.MethodGet, "/sessions/{session_id}", "session.info"},
	{http.MethodPost, "/sessions/{session_id}/kill", "session.kill"},
	{http.MethodPost, "/sessions/cleanup", "session.cleanup"},

	{http.MethodPost, "/proxies/{alias}/enable", "proxy.enable"},
	{http.MethodPost, "/proxies/{alias}/disable", "proxy.disable"},
	{http.MethodPost, "/proxies/{alias}/start", "proxy.start"},
	{http.MethodPost, "/proxies/{alias}/stop", "proxy.stop"},
	{http.MethodPost, "/proxies/{alias}/restart", "proxy.restart"},
	{http.MethodGet, "/proxies/{alias}/status", "proxy.status"},
	{http.MethodGet, "/proxies/{alias}/config", "proxy.config"},
	{http.MethodGet, "/proxies/{alias}/logs", "proxy.logs"},
	{http.MethodPost, "/proxies/{alias}/routes", "proxy.route.add"},

	{http.MethodPost, "/profiles/{alias}/hooks", "hooks.add"},
	{http.MethodGet, "/profiles/{alias}/hooks", "hooks.list"},
	{http.MethodDelete, "/profiles/{alias}/hooks/{name}", "hooks.remove"},
	{http.MethodPost, "/profiles/{alias}/hooks/import", "hooks.import"},
	{http.MethodGet, "/profiles/{alias}/hooks/export", "hooks.export"},

	{http.MethodPost, "/registry/sync", "registry.sync"},
	{http.MethodGet, "/registry", "registry.inspect"},
	{http.MethodPost, "/registry/pin", "registry.pin"},

	{http.MethodGet, "/daemon/status", "daemon.status"},
	{http.MethodPost, "/daemon/stop", "daemon.stop"},
}

// pathParams names the chi URL parameters that double as dispatcher
// argument fields once merged into the decoded request body.
var pathParams = []string{"alias", "session_id", "name"}

func (s *Server) routes(r chi.Router) {
	for _, rt := range routes {
		rt := rt
		r.MethodFunc(rt.method, rt.path, func(w http.ResponseWriter, req *http.Request) {
			s.handle(rt.op, w, req)
		})
	}
	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}
}

// handle decodes the request body (if any), merges in chi URL
// parameters under their JSON field name, dispatches, and writes the
// envelope response.
func (s *Server) handle(op string, w http.ResponseWriter, r *http.Request) {
	if s.onActivity != nil {
		s.onActivity()
	}
	body := map[string]any{}

	if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, apierr.New(apierr.InvalidArgument, "failed to read request body"))
			return
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				writeError(w, apierr.New(apierr.InvalidArgument, "malformed JSON body: "+err.Error()))
				return
			}
		}
	}

	for _, param := range pathParams {
		if v := chi.URLParam(r, param); v != "" {
			body[param] = v
		}
	}
	if agent := r.URL.Query().Get("agent"); agent != "" {
		body["agent"] = agent
	}

	args, err := json.Marshal(body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "encode_args", "failed to encode arguments", err))
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), op, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(successEnvelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Success: false,
		Error:   errorBody{Kind: string(kind), Message: err.Error()},
	})
}

// statusForKind maps a closed apierr.Kind to the HTTP status a loopback
// client should branch on; callers still switch on Kind, never on the
// status code alone.
func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.AlreadyExists:
		return http.StatusConflict
	case apierr.InvalidArgument, apierr.InvalidCompatibility:
		return http.StatusBadRequest
	case apierr.Busy:
		return http.StatusConflict
	case apierr.PrerequisiteMissing:
		return http.StatusFailedDependency
	case apierr.NoPortAvailable, apierr.SandboxUnavailable, apierr.SecretStoreUnavailable:
		return http.StatusServiceUnavailable
	case apierr.Timeout:
		return http.StatusGatewayTimeout
	case apierr.Cancelled:
		return 499
	case apierr.Storage, apierr.Spawn, apierr.BackpressureDropped, apierr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
