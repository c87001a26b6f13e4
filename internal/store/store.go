// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the in-memory versioned key-value store for a
// single team instance.
//
// The store is the unit of conflict detection: every key carries a version
// that increments by exactly one on each accepted write, and a write is
// accepted only if the caller's expected version matches (check-and-set).
// The store holds no durable state; it is a cache reconstructible by
// replaying the team's edit log.
//
// Thread Safety: NOT safe for concurrent use. A Store is owned by exactly
// one instance loop goroutine, which serializes all access.
package store

import (
	"fmt"
	"sort"
)

// Entry is one key's current state.
type Entry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version uint64 `json:"version"`
}

// Conflict describes a rejected check-and-set: the caller's expected
// version did not match the key's current version. It carries the
// authoritative state so the client can reconcile.
type Conflict struct {
	CurrentValue   string
	CurrentVersion uint64
}

// Store maps keys to versioned values.
type Store struct {
	entries map[string]Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Read returns the entry for key. An absent key reads as ("", 0) with
// ok=false; version 0 is the expected base version for a first write.
func (s *Store) Read(key string) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{Key: key, Value: "", Version: 0}, false
	}
	return e, true
}

// CompareAndSet writes value under key iff the key's current version
// equals expected. A never-written key has version 0.
//
// Outputs:
//
//	Entry - The new entry (version expected+1) when the write is accepted.
//	*Conflict - Non-nil when the version check fails; the store is unchanged.
func (s *Store) CompareAndSet(key, value string, expected uint64) (Entry, *Conflict) {
	cur, _ := s.Read(key)
	if cur.Version != expected {
		return Entry{}, &Conflict{CurrentValue: cur.Value, CurrentVersion: cur.Version}
	}

	next := Entry{Key: key, Value: value, Version: expected + 1}
	s.entries[key] = next
	return next, nil
}

// Apply unconditionally sets key to (value, version). Used only during
// edit-log replay, which re-applies accepted history without re-running
// the version check. Versions must still be strictly increasing per key;
// a violation means the log is not an accepted-write history.
func (s *Store) Apply(key, value string, version uint64) error {
	cur, _ := s.Read(key)
	if version <= cur.Version {
		return fmt.Errorf("non-monotonic replay for key %q: have version %d, applying %d",
			key, cur.Version, version)
	}
	s.entries[key] = Entry{Key: key, Value: value, Version: version}
	return nil
}

// Snapshot returns every live entry, sorted by key for deterministic
// output. Only current state: no history leaks into snapshots.
func (s *Store) Snapshot() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return len(s.entries)
}
