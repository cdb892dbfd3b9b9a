// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package store persists profiles and brokers the single-writer
// transactional view the Dispatcher requires: get/list/create/update/delete
// over per-alias JSON files, a ref-counted credential broker, and a
// supplemental detection cache for resolved agent binaries.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/domain/profile"
	"github.com/coderunner-dev/agentd/internal/eventbus"
	"github.com/coderunner-dev/agentd/internal/fsutil"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/coderunner-dev/agentd/internal/secretstore"
)

// LivenessChecker answers whether an alias currently has a live session
// or proxy attached to it, so Delete can refuse with Busy rather than
// orphan a running child. Store does not import sessionmgr or
// proxysupervisor directly; the caller that wires the daemon together
// supplies an implementation (Manager and Supervisor each satisfy this
// interface structurally).
type LivenessChecker interface {
	HasLiveSession(alias string) bool
	HasLiveProxy(alias string) bool
}

type noopLiveness struct{}

func (noopLiveness) HasLiveSession(string) bool { return false }
func (noopLiveness) HasLiveProxy(string) bool   { return false }

// CompatibilityChecker validates that an agent and provider may be
// paired in a profile. A nil checker (the default) accepts every
// pairing; a real manifest-backed checker is wired in once agent and
// provider manifests are loaded.
type CompatibilityChecker interface {
	Compatible(agentID, providerID string) bool
}

// Store is the on-disk source of truth for profiles. One alias-scoped
// lock serializes writes to that alias; different aliases proceed in
// parallel. List ordering is insertion order (the order profiles were
// first seen, either loaded at startup or created at runtime), with
// alias as a lexicographic tiebreak for profiles created in the same
// instant.
type Store struct {
	profilesDir      string
	profileHomeRoot  string

	aliasLocksMu sync.Mutex
	aliasLocks   map[string]*sync.Mutex

	mu    sync.RWMutex
	order []string
	cache *lru.Cache[string, profile.Profile]

	detection *detectionCache
	secrets   *secretstore.Store
	bus       *eventbus.Bus
	liveness  LivenessChecker
	compat    CompatibilityChecker

	logger zerolog.Logger
}

// CreateSpec is the input to Create. Secret, when non-empty, is the raw
// credential value to store in the keychain under ProviderID; its
// handle ID is written into Env[SecretEnvKey] and CredentialHandleID.
// The raw value itself is never persisted to disk.
type CreateSpec struct {
	Alias      string
	AgentID    string
	ProviderID string
	EndpointID string
	Model      string
	Args       []string
	Env        map[string]string
	WorkingDir string

	SecretEnvKey string
	Secret       string

	HooksConfig *profile.HooksConfig
	ProxyConfig *profile.ProxyConfig
}

// Mutation describes one atomic change applied under Update. Exactly the
// non-nil fields are applied; all other profile state is left untouched.
type Mutation struct {
	Env         map[string]string
	ArgsSet     bool
	Args        []string
	HooksConfig *profile.HooksConfig
	ProxyConfig *profile.ProxyConfig
	TouchUsage  bool // bump LastUsed to now and increment TotalRuns
}

// New opens a Store rooted at configRoot. configRoot/profiles holds one
// JSON file per alias; configRoot/detection.badger holds the advisory
// detection cache. Existing profiles are loaded and ordered by their
// persisted CreatedAt (a durable surrogate for insertion order across
// restarts), alias breaking ties.
func New(configRoot string, secrets *secretstore.Store, bus *eventbus.Bus, cacheSize int) (*Store, error) {
	profilesDir := filepath.Join(configRoot, "profiles")
	if err := os.MkdirAll(profilesDir, 0o700); err != nil {
		return nil, apierr.Wrap(apierr.Storage, "mkdir_profiles", "create profiles directory", err)
	}

	detection, err := openDetectionCache(filepath.Join(configRoot, "detection.badger"))
	if err != nil {
		return nil, apierr.Wrap(apierr.Storage, "open_detection_cache", "open detection cache", err)
	}

	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, profile.Profile](cacheSize)
	if err != nil {
		_ = detection.Close()
		return nil, apierr.Wrap(apierr.Internal, "lru_new", "build profile cache", err)
	}

	s := &Store{
		profilesDir:     profilesDir,
		profileHomeRoot: configRoot,
		aliasLocks:      make(map[string]*sync.Mutex),
		cache:           cache,
		detection:       detection,
		secrets:         secrets,
		bus:             bus,
		liveness:        noopLiveness{},
		logger:          log.WithComponent("store"),
	}

	if err := s.loadExisting(); err != nil {
		_ = detection.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the detection cache handle. It does not touch
// profiles, which are always fully flushed to disk by the time any
// mutating call returns.
func (s *Store) Close() error {
	return s.detection.Close()
}

// SetLivenessChecker wires the session/proxy liveness source used by
// Delete's Busy check. Must be called once during daemon startup before
// any Delete call; concurrent calls with Delete are not supported.
func (s *Store) SetLivenessChecker(lc LivenessChecker) {
	if lc == nil {
		lc = noopLiveness{}
	}
	s.liveness = lc
}

// SetCompatibilityChecker wires agent/provider compatibility validation
// for Create.
func (s *Store) SetCompatibilityChecker(c CompatibilityChecker) {
	s.compat = c
}

func (s *Store) aliasLock(alias string) *sync.Mutex {
	s.aliasLocksMu.Lock()
	defer s.aliasLocksMu.Unlock()
	l, ok := s.aliasLocks[alias]
	if !ok {
		l = &sync.Mutex{}
		s.aliasLocks[alias] = l
	}
	return l
}

func (s *Store) path(alias string) (string, error) {
	return fsutil.ConfineRelPath(s.profilesDir, alias+".json")
}

func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.profilesDir)
	if err != nil {
		return apierr.Wrap(apierr.Storage, "readdir_profiles", "list profiles directory", err)
	}

	type loaded struct {
		alias     string
		createdAt time.Time
	}
	var found []loaded

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		alias := e.Name()[:len(e.Name())-len(".json")]
		p, err := s.readFile(alias)
		if err != nil {
			s.logger.Warn().Err(err).Str("alias", alias).Msg("failed to load profile, skipping")
			continue
		}
		if p.ProfileHome != "" {
			if _, statErr := os.Stat(p.ProfileHome); os.IsNotExist(statErr) {
				if mkErr := os.MkdirAll(p.ProfileHome, 0o700); mkErr != nil {
					s.logger.Error().Err(mkErr).Str("alias", alias).Msg("profile_home missing and could not be recreated")
				} else {
					s.logger.Warn().Str("alias", alias).Str("profile_home", p.ProfileHome).Msg("profile_home was missing, recreated empty")
				}
			}
		}
		s.cache.Add(alias, p)
		if p.CredentialHandleID != "" {
			s.secrets.Adopt(p.CredentialHandleID)
		}
		found = append(found, loaded{alias: alias, createdAt: p.CreatedAt})
	}

	sort.Slice(found, func(i, j int) bool {
		if !found[i].createdAt.Equal(found[j].createdAt) {
			return found[i].createdAt.Before(found[j].createdAt)
		}
		return found[i].alias < found[j].alias
	})

	s.mu.Lock()
	for _, f := range found {
		s.order = append(s.order, f.alias)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) readFile(alias string) (profile.Profile, error) {
	path, err := s.path(alias)
	if err != nil {
		return profile.Profile{}, apierr.Wrap(apierr.Storage, "path_confine", "resolve profile path", err)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profile.Profile{}, apierr.New(apierr.NotFound, fmt.Sprintf("profile %q not found", alias))
		}
		return profile.Profile{}, apierr.Wrap(apierr.Storage, "read_profile", "read profile file", err)
	}
	var rec profileRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return profile.Profile{}, apierr.Wrap(apierr.Storage, "decode_profile", "decode profile file", err)
	}
	return fromRecord(rec), nil
}

// writeFile persists p to a temp file in the same directory, fsyncs and
// atomically renames it into place via renameio, matching the
// crash-safe discipline every persisted file in this package uses.
func (s *Store) writeFile(p profile.Profile) error {
	path, err := s.path(p.Alias)
	if err != nil {
		return apierr.Wrap(apierr.Storage, "path_confine", "resolve profile path", err)
	}
	buf, err := json.MarshalIndent(toRecord(p), "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.Internal, "encode_profile", "encode profile", err)
	}
	if err := renameio.WriteFile(path, buf, 0o600); err != nil {
		return apierr.Wrap(apierr.Storage, "write_profile", "write profile file", err)
	}
	return nil
}

// GetProfile satisfies sessionmgr.ProfileProvider and
// proxysupervisor.ProfileProvider, both of which only need read access
// to a profile by alias.
func (s *Store) GetProfile(alias string) (profile.Profile, error) {
	return s.Get(alias)
}

// Get returns the profile for alias.
func (s *Store) Get(alias string) (profile.Profile, error) {
	if p, ok := s.cache.Get(alias); ok {
		return p, nil
	}
	p, err := s.readFile(alias)
	if err != nil {
		return profile.Profile{}, err
	}
	s.cache.Add(alias, p)
	return p, nil
}

// List returns every profile in insertion order, alias as tiebreak.
func (s *Store) List() ([]profile.Profile, error) {
	s.mu.RLock()
	aliases := append([]string(nil), s.order...)
	s.mu.RUnlock()

	out := make([]profile.Profile, 0, len(aliases))
	for _, alias := range aliases {
		p, err := s.Get(alias)
		if err != nil {
			s.logger.Warn().Err(err).Str("alias", alias).Msg("skipping unreadable profile in list")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Create persists a new profile. It fails with AlreadyExists if alias
// is taken and InvalidCompatibility if the agent/provider pairing is
// rejected by the wired CompatibilityChecker.
func (s *Store) Create(spec CreateSpec) (profile.Profile, error) {
	if !profile.ValidAlias(spec.Alias) {
		return profile.Profile{}, apierr.New(apierr.InvalidArgument, "alias contains characters outside [A-Za-z0-9_.-]")
	}
	if s.compat != nil && !s.compat.Compatible(spec.AgentID, spec.ProviderID) {
		return profile.Profile{}, apierr.New(apierr.InvalidCompatibility, fmt.Sprintf("agent %q is not compatible with provider %q", spec.AgentID, spec.ProviderID))
	}

	lock := s.aliasLock(spec.Alias)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.readFile(spec.Alias); err == nil {
		return profile.Profile{}, apierr.New(apierr.AlreadyExists, fmt.Sprintf("profile %q already exists", spec.Alias))
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}

	var handleID string
	if spec.Secret != "" {
		id, err := s.secrets.Put(spec.ProviderID, spec.Secret)
		if err != nil {
			return profile.Profile{}, err
		}
		handleID = id
		if spec.SecretEnvKey != "" {
			env[spec.SecretEnvKey] = id
		}
	}

	profileHome := filepath.Join(s.profileHomeRoot, spec.AgentID+"-profiles", spec.Alias)
	if err := os.MkdirAll(profileHome, 0o700); err != nil {
		if handleID != "" {
			_ = s.secrets.Release(handleID)
		}
		return profile.Profile{}, apierr.Wrap(apierr.Storage, "mkdir_profile_home", "create profile home", err)
	}

	p := profile.Profile{
		Alias:              spec.Alias,
		AgentID:            spec.AgentID,
		ProviderID:         spec.ProviderID,
		EndpointID:         spec.EndpointID,
		Model:              spec.Model,
		Args:               spec.Args,
		Env:                env,
		WorkingDir:         spec.WorkingDir,
		ProfileHome:        profileHome,
		HooksConfig:        spec.HooksConfig,
		ProxyConfig:        spec.ProxyConfig,
		CredentialHandleID: handleID,
		CreatedAt:          time.Now(),
	}

	if err := s.writeFile(p); err != nil {
		if handleID != "" {
			_ = s.secrets.Release(handleID)
		}
		_ = os.RemoveAll(profileHome)
		return profile.Profile{}, err
	}

	s.cache.Add(p.Alias, p)
	s.mu.Lock()
	s.order = append(s.order, p.Alias)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish("profile."+p.Alias+".lifecycle", profileEvent{Type: "created", Alias: p.Alias})
	}
	return p, nil
}

// Update applies one atomic mutation to alias's profile. Writes to the
// same alias are serialized; writes to different aliases proceed
// concurrently.
func (s *Store) Update(alias string, m Mutation) (profile.Profile, error) {
	lock := s.aliasLock(alias)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.readFile(alias)
	if err != nil {
		return profile.Profile{}, err
	}

	if m.Env != nil {
		if p.Env == nil {
			p.Env = make(map[string]string, len(m.Env))
		}
		for k, v := range m.Env {
			p.Env[k] = v
		}
	}
	if m.ArgsSet {
		p.Args = m.Args
	}
	if m.HooksConfig != nil {
		p.HooksConfig = m.HooksConfig
	}
	if m.ProxyConfig != nil {
		p.ProxyConfig = m.ProxyConfig
	}
	if m.TouchUsage {
		now := time.Now()
		p.LastUsed = &now
		p.TotalRuns++
	}

	if err := s.writeFile(p); err != nil {
		return profile.Profile{}, err
	}
	s.cache.Add(alias, p)

	if s.bus != nil {
		s.bus.Publish("profile."+alias+".lifecycle", profileEvent{Type: "updated", Alias: alias})
	}
	return p, nil
}

// Delete removes a profile's JSON file, profile_home tree, and releases
// its credential handle reference. It refuses with Busy if a live
// session or proxy is still bound to alias.
func (s *Store) Delete(alias string) error {
	if s.liveness.HasLiveSession(alias) || s.liveness.HasLiveProxy(alias) {
		return apierr.New(apierr.Busy, fmt.Sprintf("profile %q has a live session or proxy", alias))
	}

	lock := s.aliasLock(alias)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.readFile(alias)
	if err != nil {
		return err
	}

	path, err := s.path(alias)
	if err != nil {
		return apierr.Wrap(apierr.Storage, "path_confine", "resolve profile path", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.Storage, "remove_profile", "remove profile file", err)
	}
	if p.ProfileHome != "" {
		if err := os.RemoveAll(p.ProfileHome); err != nil {
			s.logger.Warn().Err(err).Str("alias", alias).Msg("failed to remove profile_home tree")
		}
	}
	_ = s.detection.Delete(p.AgentID, alias)

	if p.CredentialHandleID != "" {
		if err := s.secrets.Release(p.CredentialHandleID); err != nil {
			s.logger.Warn().Err(err).Str("alias", alias).Msg("failed to release credential handle")
		}
	}

	s.cache.Remove(alias)
	s.mu.Lock()
	for i, a := range s.order {
		if a == alias {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish("profile."+alias+".lifecycle", profileEvent{Type: "deleted", Alias: alias})
	}
	return nil
}

// LookupDetection returns the cached binary detection result for a
// profile, if any.
func (s *Store) LookupDetection(agentID, alias string) (path, version string, ok bool) {
	e, found := s.detection.Get(agentID, alias)
	if !found {
		return "", "", false
	}
	return e.Path, e.Version, true
}

// RecordDetection caches a resolved agent binary path/version for a
// profile. Failure to write is logged and otherwise ignored: the cache
// is advisory, never a source of truth.
func (s *Store) RecordDetection(agentID, alias, path, version string) {
	entry := detectionEntry{Path: path, Version: version, CheckedAt: time.Now()}
	if err := s.detection.Put(agentID, alias, entry); err != nil {
		s.logger.Warn().Err(err).Str("alias", alias).Msg("failed to record detection cache entry")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache.Peek(alias)
	if !ok {
		return
	}
	p.DetectionCache = &profile.DetectionCacheRef{Key: agentID + ":" + alias, CheckedAt: entry.CheckedAt}
	s.cache.Add(alias, p)
}

type profileEvent struct {
	Type  string `json:"type"`
	Alias string `json:"alias"`
}
