// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// detectionEntry is the cached result of resolving an agent binary on
// PATH: its absolute path and reported version, so session.create does
// not re-probe PATH on every invocation of the same profile.
type detectionEntry struct {
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	CheckedAt time.Time `json:"checked_at"`
}

// detectionCache wraps a badger.DB holding agent-binary detection
// results, keyed by "<agent_id>:<alias>". It is purely advisory: a miss
// or an open failure never blocks a Store operation, it just forces a
// fresh PATH probe.
type detectionCache struct {
	db *badger.DB
}

func openDetectionCache(path string) (*detectionCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &detectionCache{db: db}, nil
}

func (c *detectionCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *detectionCache) key(agentID, alias string) []byte {
	return []byte(agentID + ":" + alias)
}

func (c *detectionCache) Get(agentID, alias string) (detectionEntry, bool) {
	var out detectionEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(agentID, alias))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return detectionEntry{}, false
	}
	return out, true
}

func (c *detectionCache) Put(agentID, alias string, entry detectionEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(agentID, alias), buf)
	})
}

func (c *detectionCache) Delete(agentID, alias string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(c.key(agentID, alias))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
