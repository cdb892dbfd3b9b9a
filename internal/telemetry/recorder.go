// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/log"
)

// sessionRecord is one line of sessions.jsonl: a terminal transition for
// one session, recorded once it reaches a terminal state.
type sessionRecord struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// aggregates is the rolled-up counters persisted to aggregates.json.
type aggregates struct {
	TotalSessionsTerminated int            `json:"total_sessions_terminated"`
	TotalProfilesCreated    int            `json:"total_profiles_created"`
	TotalProfilesDeleted    int            `json:"total_profiles_deleted"`
	ExitCauses              map[string]int `json:"exit_causes"`
	LastUpdated             time.Time      `json:"last_updated"`
}

// controlEvent mirrors the JSON shape sessionmgr publishes on a
// session's control topic; only the fields a rollup needs are decoded.
type controlEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Error     string `json:"message,omitempty"`
}

// profileEvent mirrors the JSON shape Store publishes on a profile's
// lifecycle topic.
type profileEvent struct {
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// Recorder subscribes to session and profile lifecycle events and
// maintains the telemetry/ tree under the data directory: an
// append-only sessions.jsonl and a periodically rolled-up
// aggregates.json.
type Recorder struct {
	dir    string
	bus    *eventbus.Bus
	logger zerolog.Logger

	sessionsSub *eventbus.Subscription
	profilesSub *eventbus.Subscription
	cronRunner  *cron.Cron

	mu   sync.Mutex
	aggs aggregates
}

// NewRecorder builds a Recorder rooted at dataDir/telemetry. The
// directory is created if absent; an existing aggregates.json is
// loaded so counters survive a restart.
func NewRecorder(dataDir string, bus *eventbus.Bus) (*Recorder, error) {
	dir := filepath.Join(dataDir, "telemetry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}

	r := &Recorder{
		dir:    dir,
		bus:    bus,
		logger: log.WithComponent("telemetry"),
		aggs:   aggregates{ExitCauses: make(map[string]int)},
	}
	if err := r.loadAggregates(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) loadAggregates() error {
	path := filepath.Join(r.dir, "aggregates.json")
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read aggregates: %w", err)
	}
	var a aggregates
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("parse aggregates: %w", err)
	}
	if a.ExitCauses == nil {
		a.ExitCauses = make(map[string]int)
	}
	r.aggs = a
	return nil
}

// Start subscribes to the event bus and begins a once-per-minute
// aggregates flush. It returns once subscriptions are established;
// both run for the lifetime of the process until Stop is called.
func (r *Recorder) Start() {
	r.sessionsSub = r.bus.Subscribe([]string{"session.*.control"}, nil)
	r.profilesSub = r.bus.Subscribe([]string{"profile.*.lifecycle"}, nil)

	go r.consumeSessions(r.sessionsSub)
	go r.consumeProfiles(r.profilesSub)

	r.cronRunner = cron.New()
	_, err := r.cronRunner.AddFunc("@every 1m", r.flush)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to schedule telemetry rollup")
	}
	r.cronRunner.Start()
}

// Stop unsubscribes from the bus, halts the cron runner, and flushes a
// final aggregates.json.
func (r *Recorder) Stop() {
	if r.sessionsSub != nil {
		r.sessionsSub.Close()
	}
	if r.profilesSub != nil {
		r.profilesSub.Close()
	}
	if r.cronRunner != nil {
		ctx := r.cronRunner.Stop()
		<-ctx.Done()
	}
	r.flush()
}

func (r *Recorder) consumeSessions(sub *eventbus.Subscription) {
	for ev := range sub.C() {
		body, err := json.Marshal(ev.Payload)
		if err != nil {
			continue
		}
		var ce controlEvent
		if err := json.Unmarshal(body, &ce); err != nil {
			continue
		}
		if ce.Type != "state_changed" || ce.State != "terminated" {
			continue
		}
		r.recordSessionTermination(ce)
	}
}

func (r *Recorder) consumeProfiles(sub *eventbus.Subscription) {
	for ev := range sub.C() {
		body, err := json.Marshal(ev.Payload)
		if err != nil {
			continue
		}
		var pe profileEvent
		if err := json.Unmarshal(body, &pe); err != nil {
			continue
		}
		r.mu.Lock()
		switch pe.Type {
		case "created":
			r.aggs.TotalProfilesCreated++
		case "deleted":
			r.aggs.TotalProfilesDeleted++
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) recordSessionTermination(ce controlEvent) {
	rec := sessionRecord{
		SessionID:  ce.SessionID,
		State:      ce.State,
		ExitCode:   ce.ExitCode,
		Cause:      ce.Error,
		RecordedAt: time.Now(),
	}
	r.appendSessionLine(rec)

	cause := rec.Cause
	if cause == "" {
		cause = "exit"
	}
	r.mu.Lock()
	r.aggs.TotalSessionsTerminated++
	r.aggs.ExitCauses[cause]++
	r.mu.Unlock()
}

func (r *Recorder) appendSessionLine(rec sessionRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	path := filepath.Join(r.dir, "sessions.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to open sessions.jsonl")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append session record")
	}
}

// flush writes aggregates.json atomically (temp file + rename) so a
// crash mid-write never leaves a corrupt counters file.
func (r *Recorder) flush() {
	r.mu.Lock()
	r.aggs.LastUpdated = time.Now()
	snapshot := r.aggs
	causes := make(map[string]int, len(r.aggs.ExitCauses))
	for k, v := range r.aggs.ExitCauses {
		causes[k] = v
	}
	snapshot.ExitCauses = causes
	r.mu.Unlock()

	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to marshal aggregates")
		return
	}
	path := filepath.Join(r.dir, "aggregates.json")
	if err := renameio.WriteFile(path, body, 0o644); err != nil {
		r.logger.Warn().Err(err).Msg("failed to write aggregates.json")
	}
}
