// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

// Package registry fetches and pins collaborator-maintained agent/
// provider manifest bundles from a remote registry URL, landing each
// fetched bundle as a content-addressed commit under
// <config_root>/registry/commits/<sha>/ with a "current" symlink
// pointing at the active one.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/coderunner-dev/agentd/internal/apierr"
	"github.com/coderunner-dev/agentd/internal/log"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultDialTimeout   = 3 * time.Second
	defaultIdleConnTTL   = 30 * time.Second
	defaultMaxIdleConns  = 16
	defaultMaxPerHost    = 4
	defaultRespHdrTimout = 3 * time.Second
)

// newClient returns a hardened HTTP client for the registry fetch,
// mirroring the daemon's other loopback-and-outbound probe clients.
func newClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultIdleConnTTL}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxPerHost,
			IdleConnTimeout:       defaultIdleConnTTL,
			ResponseHeaderTimeout: defaultRespHdrTimout,
		},
	}
}

// Commit describes one landed registry bundle.
type Commit struct {
	SHA     string
	Current bool
}

// Client manages the local registry mirror rooted at configRoot/registry.
type Client struct {
	registryURL string
	root        string
	httpClient  *http.Client
	logger      zerolog.Logger
}

// New builds a Client. registryURL may be empty, in which case Sync
// always fails with PrerequisiteMissing.
func New(configRoot, registryURL string) *Client {
	return &Client{
		registryURL: registryURL,
		root:        filepath.Join(configRoot, "registry"),
		httpClient:  newClient(defaultTimeout),
		logger:      log.WithComponent("registry"),
	}
}

// Sync fetches the bundle at registryURL, lands it as a new commit
// keyed by the sha256 of its content, and returns the commit sha. It
// does not move "current" — callers must Pin explicitly, so an
// in-progress daemon never silently switches manifests underneath
// running sessions.
func (c *Client) Sync() (string, error) {
	if c.registryURL == "" {
		return "", apierr.New(apierr.PrerequisiteMissing, "no registry_url configured")
	}

	resp, err := c.httpClient.Get(c.registryURL)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "registry_fetch", "fetch registry bundle", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apierr.New(apierr.Internal, fmt.Sprintf("registry fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "registry_read", "read registry bundle", err)
	}

	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])
	commitDir := filepath.Join(c.root, "commits", sha)
	if err := os.MkdirAll(commitDir, 0o755); err != nil {
		return "", apierr.Wrap(apierr.Storage, "mkdir_commit", "create registry commit directory", err)
	}
	if err := os.WriteFile(filepath.Join(commitDir, "bundle.json"), body, 0o644); err != nil {
		return "", apierr.Wrap(apierr.Storage, "write_commit", "write registry bundle", err)
	}

	c.logger.Info().Str("sha", sha).Msg("synced registry bundle")
	return sha, nil
}

// Inspect lists every locally landed commit sha and which one (if any)
// "current" points at.
func (c *Client) Inspect() ([]Commit, error) {
	commitsDir := filepath.Join(c.root, "commits")
	entries, err := os.ReadDir(commitsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.Storage, "readdir_commits", "list registry commits", err)
	}

	cur := c.currentSHA()

	out := make([]Commit, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, Commit{SHA: e.Name(), Current: e.Name() == cur})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SHA < out[j].SHA })
	return out, nil
}

// Pin moves "current" to point at a previously synced commit sha.
func (c *Client) Pin(sha string) error {
	commitDir := filepath.Join(c.root, "commits", sha)
	if _, err := os.Stat(commitDir); err != nil {
		if os.IsNotExist(err) {
			return apierr.New(apierr.NotFound, fmt.Sprintf("registry commit %q not landed locally", sha))
		}
		return apierr.Wrap(apierr.Storage, "stat_commit", "stat registry commit", err)
	}

	current := filepath.Join(c.root, "current")
	_ = os.Remove(current)
	if err := os.Symlink(commitDir, current); err != nil {
		return apierr.Wrap(apierr.Storage, "symlink_current", "pin registry commit", err)
	}
	return nil
}

func (c *Client) currentSHA() string {
	target, err := os.Readlink(filepath.Join(c.root, "current"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
