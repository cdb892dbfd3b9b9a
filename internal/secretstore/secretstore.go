// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package secretstore wraps the OS keychain behind content-addressed,
// ref-counted CredentialHandles. A secret is written to the keychain at
// most once per (provider, secret) pair: two profiles created with the
// same provider credential resolve to the same handle and share its
// refcount, so deleting one profile never revokes a secret another
// profile is still using.
package secretstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/zalando/go-keyring"
	"github.com/rs/zerolog"

	"github.com/coderunner-dev/agentd/internal/log"
)

// service is the keychain service name under which all agentd
// credentials are stored; the account name within that service is the
// handle ID.
const service = "agentd"

// Store is a ref-counted, content-addressed credential broker backed by
// the OS keychain.
type Store struct {
	mu       sync.Mutex
	refcount map[string]int
	logger   zerolog.Logger
}

// New builds an empty Store. Call Adopt for every CredentialHandleID
// already referenced by a persisted Profile, once, at startup, so
// refcounts reflect the actual set of profiles on disk.
func New() *Store {
	return &Store{
		refcount: make(map[string]int),
		logger:   log.WithComponent("secretstore"),
	}
}

// handleID computes the content address for a (providerID, secret) pair.
func handleID(providerID, secret string) string {
	h := sha256.New()
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(secret))
	return "cred_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Put stores secret for providerID and returns its handle ID. If a
// handle already exists for this exact (providerID, secret) pair, its
// refcount is incremented and the same ID is returned; the keychain
// entry is never overwritten, avoiding a write for a secret already
// held.
func (s *Store) Put(providerID, secret string) (string, error) {
	id := handleID(providerID, secret)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refcount[id] > 0 {
		s.refcount[id]++
		return id, nil
	}

	if err := keyring.Set(service, id, secret); err != nil {
		return "", apierr.Wrap(apierr.SecretStoreUnavailable, "keyring_set", "store credential", err)
	}
	s.refcount[id] = 1
	return id, nil
}

// Adopt registers an additional reference to an already-stored handle,
// without touching the keychain. Used at startup to rebuild refcounts
// from the set of profiles a persisted Store already knows about, and
// whenever an existing profile is updated to reference a handle it
// didn't previously hold.
func (s *Store) Adopt(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount[id]++
}

// Get retrieves the secret for a handle ID.
func (s *Store) Get(id string) (string, error) {
	secret, err := keyring.Get(service, id)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", apierr.New(apierr.NotFound, fmt.Sprintf("credential handle %q not found", id))
		}
		return "", apierr.Wrap(apierr.SecretStoreUnavailable, "keyring_get", "read credential", err)
	}
	return secret, nil
}

// Release drops one reference to id. When the refcount reaches zero the
// secret is evicted from the keychain. Releasing an id with no tracked
// references is a no-op, since it may have never been adopted by this
// process instance (e.g. after a restart with lazy adoption).
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.refcount[id]
	if !ok {
		return nil
	}
	n--
	if n > 0 {
		s.refcount[id] = n
		return nil
	}

	delete(s.refcount, id)
	if err := keyring.Delete(service, id); err != nil && err != keyring.ErrNotFound {
		s.logger.Warn().Err(err).Str("handle", id).Msg("failed to evict credential from keychain")
		return apierr.Wrap(apierr.SecretStoreUnavailable, "keyring_delete", "evict credential", err)
	}
	return nil
}

// RefCount returns the current refcount for id, for diagnostics and
// tests; zero means untracked.
func (s *Store) RefCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount[id]
}
