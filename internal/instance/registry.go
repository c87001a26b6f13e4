// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package instance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hexhaven/teamsync/internal/observability"
	"github.com/hexhaven/teamsync/internal/session"
	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
	"github.com/hexhaven/teamsync/internal/store"
)

// RegistryConfig configures instance lifecycle management.
type RegistryConfig struct {
	// IdleTTL is how long an instance with zero sessions may stay warm
	// before the reaper suspends and evicts it.
	IdleTTL time.Duration

	// ReaperInterval is how often the idle sweep runs. 0 disables the
	// reaper (tests drive suspension manually).
	ReaperInterval time.Duration

	// OpBuffer is the per-instance operation queue size.
	OpBuffer int
}

// DefaultRegistryConfig returns production defaults: suspend after ten
// idle minutes, sweeping every minute.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTTL:        10 * time.Minute,
		ReaperInterval: time.Minute,
		OpBuffer:       64,
	}
}

// Registry owns all warm team instances in this process. It hydrates
// instances on demand, deduplicates concurrent hydrations per team, and
// evicts idle instances. SUSPENDED → COLD is implicit: eviction discards
// the in-memory representation and the next Get rebuilds it from the
// edit log.
type Registry struct {
	db      *badgerdb.DB
	cfg     RegistryConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool

	hydrations singleflight.Group

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// ErrRegistryClosed is returned after Close.
var ErrRegistryClosed = errors.New("registry closed")

// NewRegistry creates a registry over the shared storage handle and
// starts the idle reaper if configured.
func NewRegistry(db *badgerdb.DB, cfg RegistryConfig, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		db:        db,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "registry")),
		metrics:   metrics,
		instances: make(map[string]*Instance),
	}

	if cfg.ReaperInterval > 0 {
		r.reaperStop = make(chan struct{})
		r.reaperDone = make(chan struct{})
		go r.reapLoop()
	}

	return r
}

// Get returns the WARM instance for teamID, creating and hydrating one if
// the team is cold or was evicted. Concurrent Gets for one team share a
// single hydration.
func (r *Registry) Get(ctx context.Context, teamID string) (*Instance, error) {
	if teamID == "" {
		return nil, errors.New("team id must not be empty")
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		inst := r.instances[teamID]
		r.mu.Unlock()

		if inst != nil && inst.State() == StateWarm {
			return inst, nil
		}

		v, err, _ := r.hydrations.Do(teamID, func() (interface{}, error) {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return nil, ErrRegistryClosed
			}
			if existing := r.instances[teamID]; existing != nil && existing.State() == StateWarm {
				r.mu.Unlock()
				return existing, nil
			}
			r.mu.Unlock()

			inst, err := newInstance(teamID, r.db, r.cfg.OpBuffer, r.logger, r.metrics)
			if err != nil {
				return nil, err
			}
			if err := inst.hydrate(ctx); err != nil {
				return nil, err
			}

			r.mu.Lock()
			r.instances[teamID] = inst
			r.mu.Unlock()
			return inst, nil
		})
		if err != nil {
			return nil, err
		}

		inst = v.(*Instance)
		if inst.State() == StateWarm {
			return inst, nil
		}
		// Suspended between hydration and here; try again.
	}
}

// Join attaches sess to its team's instance and returns the snapshot,
// retrying transparently if the instance suspends between lookup and
// join.
func (r *Registry) Join(ctx context.Context, sess *session.Session) (*Instance, []store.Entry, error) {
	for {
		inst, err := r.Get(ctx, sess.TeamID)
		if err != nil {
			return nil, nil, err
		}

		snapshot, err := inst.Join(ctx, sess)
		if errors.Is(err, ErrSuspended) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return inst, snapshot, nil
	}
}

// reapLoop periodically suspends and evicts idle instances.
func (r *Registry) reapLoop() {
	defer close(r.reaperDone)

	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.reaperStop:
			return
		case <-ticker.C:
			r.SweepIdle(time.Now())
		}
	}
}

// SweepIdle suspends and evicts every instance that has zero sessions and
// has been idle longer than IdleTTL. Returns the number evicted. Exposed
// for tests and manual invocation; the reaper calls it on a ticker.
func (r *Registry) SweepIdle(now time.Time) int {
	r.mu.Lock()
	candidates := make([]*Instance, 0)
	for _, inst := range r.instances {
		if inst.State() == StateWarm && inst.SessionCount() == 0 && inst.IdleFor(now) >= r.cfg.IdleTTL {
			candidates = append(candidates, inst)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, inst := range candidates {
		if !inst.suspend() {
			continue // sessions arrived since the scan
		}
		r.mu.Lock()
		if r.instances[inst.TeamID()] == inst {
			delete(r.instances, inst.TeamID())
		}
		r.mu.Unlock()
		evicted++
		r.logger.Info("evicted idle instance", slog.String("team_id", inst.TeamID()))
	}
	return evicted
}

// Close stops the reaper and suspends every instance. Accepted writes are
// all in the edit log, so shutdown at any point loses nothing.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	if r.reaperStop != nil {
		close(r.reaperStop)
		<-r.reaperDone
	}

	for _, inst := range instances {
		inst.forceSuspend()
	}
	return nil
}

// Len returns the number of warm instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// forceSuspend stops an instance regardless of connected sessions; used
// only during process shutdown, after the HTTP layer has stopped
// accepting connections.
func (i *Instance) forceSuspend() {
	stopped := false
	err := i.do(context.Background(), func() {
		for id, sess := range i.sessions {
			delete(i.sessions, id)
			i.metrics.SessionClosed()
			go sess.Close()
		}
		i.sessionCount.Store(0)
		// A reaper suspend op may already have stopped the loop; only
		// the op that performs the close runs the teardown below.
		select {
		case <-i.stop:
		default:
			stopped = true
			close(i.stop)
		}
	})
	if err != nil || !stopped {
		return // already suspended
	}

	<-i.done
	i.state.Store(int32(StateSuspended))
	i.st = nil
	_ = i.log.Close()
	i.metrics.InstanceSuspended()
	i.logger.Info("instance suspended (shutdown)")
}
