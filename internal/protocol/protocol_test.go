// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"reflect"
	"testing"

	"github.com/hexhaven/teamsync/internal/store"
)

// clientState models how a consumer applies server messages: every
// applied message fully replaces the key's state.
type clientState map[string]store.Entry

func (c clientState) apply(msg Applied) {
	c[msg.Key] = store.Entry{Key: msg.Key, Value: msg.Value, Version: msg.Version}
}

// Re-delivering an already-applied broadcast (reconnects, instance
// revivals) must leave the client state unchanged.
func TestApplied_RedeliveryIsIdempotent(t *testing.T) {
	msgs := []Applied{
		NewApplied(store.Entry{Key: "hexA", Value: "red", Version: 1}),
		NewApplied(store.Entry{Key: "hexB", Value: "green", Version: 1}),
		NewApplied(store.Entry{Key: "hexA", Value: "blue", Version: 2}),
	}

	once := clientState{}
	for _, m := range msgs {
		once.apply(m)
	}

	twice := clientState{}
	for _, m := range msgs {
		twice.apply(m)
		twice.apply(m) // duplicate delivery
	}
	// And a stray duplicate of the final message after everything.
	twice.apply(msgs[len(msgs)-1])

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("duplicate delivery diverged:\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if got := once["hexA"]; got.Value != "blue" || got.Version != 2 {
		t.Errorf("hexA = (%q, %d), want (\"blue\", 2)", got.Value, got.Version)
	}
}

func TestNewRejected_CarriesAuthoritativeState(t *testing.T) {
	msg := NewRejected("hexA", store.Conflict{CurrentValue: "red", CurrentVersion: 3})
	if msg.Type != TypeRejected {
		t.Errorf("Type = %q, want %q", msg.Type, TypeRejected)
	}
	if msg.CurrentValue != "red" || msg.CurrentVersion != 3 {
		t.Errorf("rejection = (%q, %d), want (\"red\", 3)", msg.CurrentValue, msg.CurrentVersion)
	}
}

func TestNewSnapshot_NeverNilEntries(t *testing.T) {
	snap := NewSnapshot(nil)
	if snap.Entries == nil {
		t.Error("Entries = nil, want empty slice for stable JSON")
	}
}
