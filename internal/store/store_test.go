// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"fmt"
	"testing"
)

func TestStore_Read_AbsentKey(t *testing.T) {
	s := New()

	e, ok := s.Read("missing")
	if ok {
		t.Error("Read() ok = true for absent key, want false")
	}
	if e.Value != "" || e.Version != 0 {
		t.Errorf("Read() = (%q, %d), want (\"\", 0)", e.Value, e.Version)
	}
}

func TestStore_CompareAndSet(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(s *Store)
		key         string
		value       string
		expected    uint64
		wantApplied bool
		wantVersion uint64
	}{
		{
			name:        "first write with base version 0",
			key:         "hexA",
			value:       "red",
			expected:    0,
			wantApplied: true,
			wantVersion: 1,
		},
		{
			name: "matching version increments by one",
			setup: func(s *Store) {
				s.CompareAndSet("hexA", "red", 0)
			},
			key:         "hexA",
			value:       "blue",
			expected:    1,
			wantApplied: true,
			wantVersion: 2,
		},
		{
			name: "stale base version rejected",
			setup: func(s *Store) {
				s.CompareAndSet("hexA", "red", 0)
			},
			key:         "hexA",
			value:       "blue",
			expected:    0,
			wantApplied: false,
		},
		{
			name: "future base version rejected",
			setup: func(s *Store) {
				s.CompareAndSet("hexA", "red", 0)
			},
			key:         "hexA",
			value:       "blue",
			expected:    5,
			wantApplied: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			if tt.setup != nil {
				tt.setup(s)
			}

			entry, conflict := s.CompareAndSet(tt.key, tt.value, tt.expected)
			if tt.wantApplied {
				if conflict != nil {
					t.Fatalf("CompareAndSet() conflict = %+v, want nil", conflict)
				}
				if entry.Version != tt.wantVersion {
					t.Errorf("CompareAndSet() version = %d, want %d", entry.Version, tt.wantVersion)
				}
				if entry.Value != tt.value {
					t.Errorf("CompareAndSet() value = %q, want %q", entry.Value, tt.value)
				}
			} else {
				if conflict == nil {
					t.Fatal("CompareAndSet() conflict = nil, want rejection")
				}
			}
		})
	}
}

// Two clients race for the same absent key: the first write wins, the
// second gets the authoritative state back instead of a merge.
func TestStore_CompareAndSet_ConflictCarriesCurrentState(t *testing.T) {
	s := New()

	if _, conflict := s.CompareAndSet("hexA", "red", 0); conflict != nil {
		t.Fatalf("first write rejected: %+v", conflict)
	}

	_, conflict := s.CompareAndSet("hexA", "blue", 0)
	if conflict == nil {
		t.Fatal("second write with stale base accepted, want rejection")
	}
	if conflict.CurrentValue != "red" {
		t.Errorf("conflict.CurrentValue = %q, want %q", conflict.CurrentValue, "red")
	}
	if conflict.CurrentVersion != 1 {
		t.Errorf("conflict.CurrentVersion = %d, want 1", conflict.CurrentVersion)
	}

	// The rejected write must not have touched the store.
	e, _ := s.Read("hexA")
	if e.Value != "red" || e.Version != 1 {
		t.Errorf("Read() after rejection = (%q, %d), want (\"red\", 1)", e.Value, e.Version)
	}
}

func TestStore_Apply(t *testing.T) {
	s := New()

	if err := s.Apply("k", "v1", 1); err != nil {
		t.Fatalf("Apply(v1) = %v, want nil", err)
	}
	if err := s.Apply("k", "v3", 3); err != nil {
		t.Fatalf("Apply(v3) = %v, want nil", err)
	}

	// Replay must be strictly increasing per key.
	if err := s.Apply("k", "v2", 2); err == nil {
		t.Error("Apply() with lower version = nil, want error")
	}
	if err := s.Apply("k", "again", 3); err == nil {
		t.Error("Apply() with equal version = nil, want error")
	}
}

func TestStore_Snapshot_SortedCurrentStateOnly(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", 4-i) // insert out of order
		s.CompareAndSet(key, "v1", 0)
	}
	// Overwrite one key; history must not leak into the snapshot.
	s.CompareAndSet("key2", "v2", 1)

	snap := s.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("Snapshot() len = %d, want 5", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Key >= snap[i].Key {
			t.Errorf("Snapshot() not sorted: %q before %q", snap[i-1].Key, snap[i].Key)
		}
	}
	for _, e := range snap {
		if e.Key == "key2" {
			if e.Value != "v2" || e.Version != 2 {
				t.Errorf("Snapshot() key2 = (%q, %d), want (\"v2\", 2)", e.Value, e.Version)
			}
		}
	}
}
