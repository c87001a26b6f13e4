// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol defines the websocket message contract between clients
// and the sync server.
//
// Every server message is an idempotent full replacement of a key's state
// (or the whole snapshot), so re-delivery after a reconnect or an instance
// revival can never corrupt a client. Message size is bounded by a single
// entry: the server never sends history or whole-document diffs.
package protocol

import "github.com/hexhaven/teamsync/internal/store"

// Client→server message types.
const (
	TypeSubscribe = "subscribe"
	TypeMutate    = "mutate"
)

// Server→client message types.
const (
	TypeSnapshot = "snapshot"
	TypeApplied  = "applied"
	TypeRejected = "rejected"
	TypeError    = "error"
)

// ClientMessage is any inbound message. Key/Value/BaseVersion are only
// meaningful for mutate.
type ClientMessage struct {
	Type        string `json:"type"`
	Key         string `json:"key,omitempty"`
	Value       string `json:"value,omitempty"`
	BaseVersion uint64 `json:"baseVersion,omitempty"`
}

// Snapshot carries the full current store state, sent once per subscribe.
type Snapshot struct {
	Type    string        `json:"type"`
	Entries []store.Entry `json:"entries"`
}

// Applied announces one accepted mutation to every session of the team,
// including the writer (idempotent confirmation).
type Applied struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version uint64 `json:"version"`
}

// Rejected is sent only to the requesting client when its base version is
// stale. It carries the authoritative state for manual reconciliation; no
// automatic merge is attempted.
type Rejected struct {
	Type           string `json:"type"`
	Key            string `json:"key"`
	CurrentValue   string `json:"currentValue"`
	CurrentVersion uint64 `json:"currentVersion"`
}

// Error reports a failure to the requesting client. Retryable errors
// (durable-log I/O) mean the mutation was not applied and may be resent.
type Error struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewSnapshot builds a snapshot message.
func NewSnapshot(entries []store.Entry) Snapshot {
	if entries == nil {
		entries = []store.Entry{}
	}
	return Snapshot{Type: TypeSnapshot, Entries: entries}
}

// NewApplied builds an applied broadcast for one entry.
func NewApplied(e store.Entry) Applied {
	return Applied{Type: TypeApplied, Key: e.Key, Value: e.Value, Version: e.Version}
}

// NewRejected builds a rejection reply from a version conflict.
func NewRejected(key string, c store.Conflict) Rejected {
	return Rejected{
		Type:           TypeRejected,
		Key:            key,
		CurrentValue:   c.CurrentValue,
		CurrentVersion: c.CurrentVersion,
	}
}

// NewError builds an error reply.
func NewError(key, message string, retryable bool) Error {
	return Error{Type: TypeError, Key: key, Message: message, Retryable: retryable}
}
