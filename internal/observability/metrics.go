// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the sync engine.
//
// Metrics are exposed via the /metrics endpoint. Label cardinality is
// deliberately bounded: outcomes and drop reasons are labels, team IDs
// are not.
//
// Thread Safety: all metric operations are thread-safe via Prometheus's
// internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "teamsync"
	syncSubsystem    = "sync"
)

// Mutation outcomes for the mutations_total counter.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Session drop reasons for the sessions_dropped_total counter.
const (
	DropSlowConsumer = "slow_consumer"
	DropRateLimited  = "rate_limited"
)

// Metrics holds all Prometheus metrics for sync operations.
type Metrics struct {
	// MutationsTotal counts mutation requests by outcome.
	// Labels: outcome (applied, rejected, error)
	MutationsTotal *prometheus.CounterVec

	// ActiveSessions tracks currently connected sessions.
	ActiveSessions prometheus.Gauge

	// ActiveInstances tracks team instances currently warm in memory.
	ActiveInstances prometheus.Gauge

	// HydrationSeconds measures edit-log replay duration.
	HydrationSeconds prometheus.Histogram

	// LogAppendSeconds measures durable append latency.
	LogAppendSeconds prometheus.Histogram

	// BroadcastsTotal counts per-entry delta messages fanned out.
	BroadcastsTotal prometheus.Counter

	// SessionsDroppedTotal counts forced disconnects by reason.
	// Labels: reason (slow_consumer, rate_limited)
	SessionsDroppedTotal *prometheus.CounterVec
}

// New creates and registers all sync metrics on reg. Pass
// prometheus.DefaultRegisterer in the server binary; tests use a fresh
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "mutations_total",
				Help:      "Total mutation requests by outcome",
			},
			[]string{"outcome"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "active_sessions",
				Help:      "Number of currently connected sessions",
			},
		),

		ActiveInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "active_instances",
				Help:      "Number of team instances currently warm in memory",
			},
		),

		HydrationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "hydration_seconds",
				Help:      "Edit log replay duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5},
			},
		),

		LogAppendSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "log_append_seconds",
				Help:      "Durable edit log append latency in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.025, 0.1, 0.5},
			},
		),

		BroadcastsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "broadcasts_total",
				Help:      "Total per-entry delta messages sent to sessions",
			},
		),

		SessionsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "sessions_dropped_total",
				Help:      "Total sessions forcibly disconnected by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordMutation records one mutation request outcome.
func (m *Metrics) RecordMutation(outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(outcome).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// InstanceWarmed increments the active instance gauge.
func (m *Metrics) InstanceWarmed() {
	if m == nil {
		return
	}
	m.ActiveInstances.Inc()
}

// InstanceSuspended decrements the active instance gauge.
func (m *Metrics) InstanceSuspended() {
	if m == nil {
		return
	}
	m.ActiveInstances.Dec()
}

// ObserveHydration records one replay duration.
func (m *Metrics) ObserveHydration(d time.Duration) {
	if m == nil {
		return
	}
	m.HydrationSeconds.Observe(d.Seconds())
}

// ObserveLogAppend records one durable append duration.
func (m *Metrics) ObserveLogAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.LogAppendSeconds.Observe(d.Seconds())
}

// RecordBroadcasts adds n delivered delta messages.
func (m *Metrics) RecordBroadcasts(n int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Add(float64(n))
}

// RecordSessionDropped records one forced disconnect.
func (m *Metrics) RecordSessionDropped(reason string) {
	if m == nil {
		return
	}
	m.SessionsDroppedTotal.WithLabelValues(reason).Inc()
}
