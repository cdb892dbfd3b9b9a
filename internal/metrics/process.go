// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_proc_terminate_total",
		Help: "Total process group termination attempts by signal and outcome",
	}, []string{"sig", "outcome"}) // sig=SIGTERM|SIGKILL, outcome=sent|esrch|error

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_proc_wait_total",
		Help: "Total process wait outcomes",
	}, []string{"outcome"}) // outcome=exit0|exit_nonzero|forced_exit0|forced_error

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_sessions_active",
		Help: "Number of sessions not in a terminal state",
	})

	sessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_session_transitions_total",
		Help: "Total session state transitions by from/to state",
	}, []string{"from", "to"})

	proxiesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_proxies_active",
		Help: "Number of proxy sidecars not stopped",
	})

	proxyRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_proxy_restarts_total",
		Help: "Total proxy sidecar restarts by profile alias",
	}, []string{"alias"})

	proxyHealthTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentd_proxy_health_timeouts_total",
		Help: "Total proxy sidecar health-check timeouts",
	})

	dispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_dispatch_requests_total",
		Help: "Total dispatcher requests by operation and outcome",
	}, []string{"op", "outcome"})
)

// IncProcTerminate records a process termination attempt.
func IncProcTerminate(sig, outcome string) {
	procTerminateTotal.WithLabelValues(sig, outcome).Inc()
}

// IncProcWait records a process wait outcome.
func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}

// SetSessionsActive reports the current count of non-terminal sessions.
func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

// IncSessionTransition records a session FSM state transition.
func IncSessionTransition(from, to string) {
	sessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetProxiesActive reports the current count of non-stopped proxy sidecars.
func SetProxiesActive(n int) { proxiesActive.Set(float64(n)) }

// IncProxyRestart records a proxy sidecar restart for a profile alias.
func IncProxyRestart(alias string) { proxyRestartsTotal.WithLabelValues(alias).Inc() }

// IncProxyHealthTimeout records a proxy health-check timeout.
func IncProxyHealthTimeout() { proxyHealthTimeoutsTotal.Inc() }

// IncDispatchRequest records a dispatcher request outcome.
func IncDispatchRequest(op, outcome string) {
	dispatchRequestsTotal.WithLabelValues(op, outcome).Inc()
}
