// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package instance implements the team instance: the isolated, team-scoped
// unit owning one store, one edit log, and the set of connected sessions.
//
// All reads, writes, joins, and broadcasts for one team are serialized
// through a single loop goroutine, eliminating intra-team data races by
// construction. Different teams run fully independent instances that share
// nothing but the storage handle (isolated by key prefix).
//
// Lifecycle: COLD (no in-memory store) → HYDRATING (replaying the edit
// log) → WARM (serving) → SUSPENDED (evicted; durable state intact).
// Suspension is always safe because every accepted write is in the edit
// log before it is acknowledged.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hexhaven/teamsync/internal/editlog"
	"github.com/hexhaven/teamsync/internal/observability"
	"github.com/hexhaven/teamsync/internal/protocol"
	"github.com/hexhaven/teamsync/internal/session"
	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
	"github.com/hexhaven/teamsync/internal/store"
)

var (
	// ErrSuspended is returned when an operation reaches an instance that
	// has been suspended. Callers retry through the registry, which
	// rehydrates a fresh instance.
	ErrSuspended = errors.New("instance suspended")

	// ErrHydration is returned when edit-log replay cannot complete.
	// Unlike a transient append failure it implies potential data loss
	// and the instance never reaches WARM.
	ErrHydration = errors.New("hydration failed")
)

// State is the lifecycle state of an instance.
type State int32

const (
	StateCold State = iota
	StateHydrating
	StateWarm
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "COLD"
	case StateHydrating:
		return "HYDRATING"
	case StateWarm:
		return "WARM"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// MutationRequest is one client write attempt. BaseVersion is the version
// the client last observed for Key; 0 for a never-written key.
type MutationRequest struct {
	Key         string
	Value       string
	BaseVersion uint64
}

// Outcome is the client-visible result of a mutation request.
type Outcome struct {
	// Applied is true when the write was accepted.
	Applied bool

	// Entry is the new state when Applied.
	Entry store.Entry

	// Conflict carries the authoritative state when the base version was
	// stale. Expected and recoverable; not a system error.
	Conflict *store.Conflict
}

// Instance is one team's authoritative sync engine.
type Instance struct {
	teamID  string
	log     *editlog.Log
	st      *store.Store
	logger  *slog.Logger
	metrics *observability.Metrics

	// sessions is touched only by the loop goroutine.
	sessions map[string]*session.Session

	state        atomic.Int32
	sessionCount atomic.Int32
	lastActive   atomic.Int64 // unix nanos

	ops  chan func()
	stop chan struct{}
	done chan struct{}
}

// newInstance builds a COLD instance. The caller must hydrate it before
// use; the registry is the only caller.
func newInstance(teamID string, db *badgerdb.DB, opBuffer int, logger *slog.Logger, metrics *observability.Metrics) (*Instance, error) {
	log, err := editlog.Open(db, teamID, logger)
	if err != nil {
		return nil, fmt.Errorf("open edit log: %w", err)
	}

	if opBuffer <= 0 {
		opBuffer = 64
	}

	inst := &Instance{
		teamID:   teamID,
		log:      log,
		logger:   logger.With(slog.String("component", "instance"), slog.String("team_id", teamID)),
		metrics:  metrics,
		sessions: make(map[string]*session.Session),
		ops:      make(chan func(), opBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	inst.state.Store(int32(StateCold))
	inst.touch()
	return inst, nil
}

// TeamID returns the team this instance serves.
func (i *Instance) TeamID() string {
	return i.teamID
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// SessionCount returns the number of connected sessions.
func (i *Instance) SessionCount() int {
	return int(i.sessionCount.Load())
}

// IdleFor returns how long ago the instance last served an operation.
func (i *Instance) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, i.lastActive.Load()))
}

func (i *Instance) touch() {
	i.lastActive.Store(time.Now().UnixNano())
}

// hydrate replays the edit log into a fresh store and starts the loop.
// Replay re-applies each record's (key, value, version) directly: the log
// already reflects accepted history, so no check-and-set is re-run.
func (i *Instance) hydrate(ctx context.Context) error {
	i.state.Store(int32(StateHydrating))
	start := time.Now()

	records, err := i.log.Replay(ctx)
	if err != nil {
		i.state.Store(int32(StateCold))
		return fmt.Errorf("%w: %v", ErrHydration, err)
	}

	st := store.New()
	for _, rec := range records {
		if err := st.Apply(rec.Key, rec.Value, rec.Version); err != nil {
			i.state.Store(int32(StateCold))
			return fmt.Errorf("%w: %v", ErrHydration, err)
		}
	}

	i.st = st
	i.state.Store(int32(StateWarm))
	i.touch()
	go i.run()

	i.metrics.InstanceWarmed()
	i.metrics.ObserveHydration(time.Since(start))
	i.logger.Info("instance hydrated",
		slog.Int("records", len(records)),
		slog.Int("keys", st.Len()),
		slog.Duration("took", time.Since(start)))
	return nil
}

// run executes queued operations one at a time until suspension.
func (i *Instance) run() {
	defer close(i.done)
	for {
		select {
		case <-i.stop:
			return
		case fn := <-i.ops:
			fn()
			i.touch()
		}
	}
}

// do enqueues fn on the instance loop and waits for it to run. The wait
// to enqueue honors ctx, but once fn is dequeued it always runs to
// completion: a client disconnecting mid-request never cancels an
// accepted write.
func (i *Instance) do(ctx context.Context, fn func()) error {
	wrapped := make(chan struct{})
	task := func() {
		fn()
		close(wrapped)
	}

	select {
	case i.ops <- task:
	case <-i.stop:
		return ErrSuspended
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-wrapped:
		return nil
	case <-i.done:
		// Loop stopped before running the task.
		select {
		case <-wrapped:
			return nil
		default:
			return ErrSuspended
		}
	}
}

// Join registers sess and queues the full current snapshot on it,
// atomically with respect to mutations: the snapshot message is enqueued
// inside the loop, so no applied broadcast can reach the session ahead of
// the snapshot it is missing from. The snapshot is also returned for
// callers that inspect it directly.
func (i *Instance) Join(ctx context.Context, sess *session.Session) ([]store.Entry, error) {
	var snapshot []store.Entry
	var sendErr error
	registered := false
	err := i.do(ctx, func() {
		snapshot = i.st.Snapshot()
		if sendErr = sess.Send(protocol.NewSnapshot(snapshot)); sendErr != nil {
			return
		}
		// A re-subscribe from a known session gets a fresh snapshot but
		// is not a second session.
		if _, ok := i.sessions[sess.ID]; !ok {
			i.sessions[sess.ID] = sess
			i.sessionCount.Store(int32(len(i.sessions)))
			registered = true
		}
	})
	if err == nil && sendErr != nil {
		err = fmt.Errorf("deliver snapshot: %w", sendErr)
	}
	if err != nil {
		return nil, err
	}

	if registered {
		i.metrics.SessionOpened()
	}
	i.logger.Debug("session joined", slog.String("session_id", sess.ID))
	return snapshot, nil
}

// Leave deregisters sess. No store action is needed on disconnect.
func (i *Instance) Leave(sess *session.Session) {
	err := i.do(context.Background(), func() {
		if _, ok := i.sessions[sess.ID]; !ok {
			return
		}
		delete(i.sessions, sess.ID)
		i.sessionCount.Store(int32(len(i.sessions)))
		i.metrics.SessionClosed()
	})
	if err != nil {
		// Instance already suspended; its session set is gone with it.
		return
	}
	i.logger.Debug("session left", slog.String("session_id", sess.ID))
}

// Mutate runs one check-and-set through the instance loop.
//
// Accepted writes are appended to the edit log before the store is
// mutated or anything is broadcast (write-ahead ordering). A failed
// append leaves the store untouched and is returned as a retryable
// error; the instance stays WARM.
func (i *Instance) Mutate(ctx context.Context, req MutationRequest) (Outcome, error) {
	var outcome Outcome
	var opErr error

	err := i.do(ctx, func() {
		cur, _ := i.st.Read(req.Key)
		if cur.Version != req.BaseVersion {
			// First accepted write wins; the loop serializes same-key
			// requests, so the later arrival observes the stale base.
			outcome = Outcome{Conflict: &store.Conflict{
				CurrentValue:   cur.Value,
				CurrentVersion: cur.Version,
			}}
			i.metrics.RecordMutation(observability.OutcomeRejected)
			return
		}

		// Once accepted, the append/apply/broadcast sequence always
		// completes regardless of the requester's connection state.
		appendStart := time.Now()
		_, err := i.log.Append(context.WithoutCancel(ctx), req.Key, req.Value, req.BaseVersion+1)
		i.metrics.ObserveLogAppend(time.Since(appendStart))
		if err != nil {
			opErr = fmt.Errorf("append edit record: %w", err)
			i.metrics.RecordMutation(observability.OutcomeError)
			i.logger.Error("edit log append failed",
				slog.String("key", req.Key),
				slog.String("error", err.Error()))
			return
		}

		entry, conflict := i.st.CompareAndSet(req.Key, req.Value, req.BaseVersion)
		if conflict != nil {
			// Unreachable: the loop is the only writer and the version
			// was just checked.
			opErr = fmt.Errorf("store diverged from edit log for key %q", req.Key)
			return
		}

		outcome = Outcome{Applied: true, Entry: entry}
		i.metrics.RecordMutation(observability.OutcomeApplied)
		i.broadcast(protocol.NewApplied(entry))
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, opErr
}

// Snapshot returns the current store state for the REST surface.
func (i *Instance) Snapshot(ctx context.Context) ([]store.Entry, error) {
	var snapshot []store.Entry
	err := i.do(ctx, func() {
		snapshot = i.st.Snapshot()
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// broadcast fans one bounded delta message out to every session. Sessions
// that cannot keep up are disconnected rather than buffered without
// bound. Runs on the loop goroutine.
func (i *Instance) broadcast(msg interface{}) {
	delivered := 0
	for id, sess := range i.sessions {
		if err := sess.Send(msg); err != nil {
			delete(i.sessions, id)
			i.sessionCount.Store(int32(len(i.sessions)))
			i.metrics.SessionClosed()
			i.metrics.RecordSessionDropped(observability.DropSlowConsumer)
			i.logger.Warn("dropping slow session",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
			go sess.Close()
			continue
		}
		delivered++
	}
	i.metrics.RecordBroadcasts(delivered)
}

// suspend stops the loop and drops the in-memory store, but only when no
// sessions are connected. Returns false if sessions joined in the
// meantime. Safe because all authoritative state is already in the edit
// log; the registry evicts the instance on true.
func (i *Instance) suspend() bool {
	suspended := false
	err := i.do(context.Background(), func() {
		if len(i.sessions) != 0 {
			return
		}
		// Closing stop from inside the loop op means no join can
		// interleave between the emptiness check and the shutdown. A
		// second queued suspend op can still be dequeued after the
		// close, so only the op that performs the close reports
		// success; the loser returns false and does no teardown.
		select {
		case <-i.stop:
		default:
			suspended = true
			close(i.stop)
		}
	})
	if err != nil {
		return errors.Is(err, ErrSuspended)
	}
	if !suspended {
		return false
	}

	<-i.done

	i.state.Store(int32(StateSuspended))
	i.st = nil
	_ = i.log.Close()
	i.metrics.InstanceSuspended()
	i.logger.Info("instance suspended")
	return true
}
