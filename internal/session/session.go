// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session implements the live client connection to a team
// instance.
//
// A session holds no authoritative state: just the open connection, a
// bounded outbound buffer, and an inbound rate limiter. Reconnecting
// always creates a fresh session that re-synchronizes with a subscribe.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// writeWait bounds how long a single websocket write may block.
const writeWait = 10 * time.Second

// ErrSendBufferFull is reported when a session's outbound buffer is full.
// The session is disconnected rather than buffered without bound.
var ErrSendBufferFull = errors.New("session send buffer full")

// Conn is the subset of *websocket.Conn the session writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one client connection to one team instance.
type Session struct {
	ID     string
	TeamID string

	conn    Conn
	send    chan interface{}
	limiter *rate.Limiter
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Config controls per-session bounds.
type Config struct {
	// SendBuffer is the outbound message buffer size. A full buffer
	// disconnects the session (slow consumer).
	SendBuffer int

	// MutationRate is the sustained mutations/second a client may send.
	MutationRate float64

	// MutationBurst is the burst allowance on top of MutationRate.
	MutationBurst int
}

// DefaultConfig returns per-session defaults: 64 buffered messages,
// 20 mutations/second with a burst of 40.
func DefaultConfig() Config {
	return Config{
		SendBuffer:    64,
		MutationRate:  20,
		MutationBurst: 40,
	}
}

// New creates a session over conn and starts its write pump.
func New(teamID string, conn Conn, cfg Config, logger *slog.Logger) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.MutationRate <= 0 {
		cfg.MutationRate = DefaultConfig().MutationRate
	}
	if cfg.MutationBurst <= 0 {
		cfg.MutationBurst = DefaultConfig().MutationBurst
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		ID:      uuid.New().String(),
		TeamID:  teamID,
		conn:    conn,
		send:    make(chan interface{}, cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(cfg.MutationRate), cfg.MutationBurst),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.logger = logger.With(slog.String("session_id", s.ID), slog.String("team_id", teamID))

	go s.writePump()
	return s
}

// Send queues msg for delivery. Returns ErrSendBufferFull if the buffer
// is full (the caller should disconnect the session) or an error if the
// session is already closed. Never blocks the caller.
func (s *Session) Send(msg interface{}) error {
	select {
	case <-s.closed:
		return errors.New("session closed")
	default:
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.closed:
		return errors.New("session closed")
	default:
		return ErrSendBufferFull
	}
}

// AllowMutation reports whether the client is within its mutation rate.
func (s *Session) AllowMutation() bool {
	return s.limiter.Allow()
}

// Close shuts the session down: the write pump drains what it can and the
// connection is closed. Safe to call multiple times and from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done
		_ = s.conn.Close()
	})
}

// writePump is the only goroutine that writes to the connection, applying
// a write deadline per message. On close it drains what is already
// buffered, so a final reply (rejection reason, rate-limit error) queued
// just before the disconnect still reaches the client.
func (s *Session) writePump() {
	defer close(s.done)

	for {
		select {
		case <-s.closed:
			s.drain()
			return
		case msg := <-s.send:
			if !s.write(msg) {
				return
			}
		}
	}
}

// drain flushes buffered messages without blocking for new ones.
func (s *Session) drain() {
	for {
		select {
		case msg := <-s.send:
			if !s.write(msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(msg interface{}) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("set write deadline failed", slog.String("error", err.Error()))
		return false
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
