// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package scheduler turns test schedules into queue entries. Each tick it
// retires abandoned leases, scans for due tests, applies concurrency caps
// and failure backoff, and enqueues durable run jobs.
package scheduler

import (
	"context"
	"expvar"
	"math/rand"
	"time"

	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

var (
	ticksTotal      = expvar.NewInt("scheduler_ticks")
	runsEnqueued    = expvar.NewInt("scheduler_runs_enqueued")
	runsShed        = expvar.NewInt("scheduler_runs_shed")
	leasesRecovered = expvar.NewInt("scheduler_leases_recovered")
)

// Options bound the scheduler's behavior.
type Options struct {
	TickInterval         time.Duration
	GlobalConcurrency    int
	PerTenantConcurrency int
	BackoffAfterFailures int
	BackoffMaxFactor     int
	RetentionInterval    time.Duration
}

func (o *Options) fill() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.GlobalConcurrency < 1 {
		o.GlobalConcurrency = 8
	}
	if o.PerTenantConcurrency < 1 {
		o.PerTenantConcurrency = 2
	}
	if o.BackoffAfterFailures < 1 {
		o.BackoffAfterFailures = 10
	}
	if o.BackoffMaxFactor < 1 {
		o.BackoffMaxFactor = 4
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = 24 * time.Hour
	}
}

// Scheduler drives the due scan.
type Scheduler struct {
	store     *registry.Store
	retention *registry.Retention
	opts      Options
	lastSweep time.Time
}

// New builds a scheduler over the shared store. retention may be nil.
func New(store *registry.Store, retention *registry.Retention, opts Options) *Scheduler {
	opts.fill()
	return &Scheduler{store: store, retention: retention, opts: opts}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof("Scheduler running, tick %s, caps global=%d per-tenant=%d",
		s.opts.TickInterval, s.opts.GlobalConcurrency, s.opts.PerTenantConcurrency)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick performs one scheduling pass. Exported so tests can drive it with a
// chosen clock.
func (s *Scheduler) Tick(now time.Time) {
	ticksTotal.Add(1)
	ts := float64(now.UnixNano()) / 1e9
	s.recoverLeases(ts)
	s.enqueueDue(ts)
	if s.retention != nil && now.Sub(s.lastSweep) >= s.opts.RetentionInterval {
		s.lastSweep = now
		s.retention.Sweep(now)
	}
}

// recoverLeases retires entries whose worker disappeared and records a
// synthetic infra-degraded run so the gap is visible without pushing the
// test toward DOWN.
func (s *Scheduler) recoverLeases(ts float64) {
	ids, err := s.store.ExpireLeases(ts)
	if err != nil {
		_ = log.Errorf("Lease recovery failed: %v", err)
		return
	}
	for _, testID := range ids {
		leasesRecovered.Add(1)
		run := &registry.Run{
			TestID:         testID,
			ScheduledForTs: ts,
			StartedAtTs:    ts,
			FinishedAtTs:   ts,
			Status:         health.StatusInfraDegraded,
			ErrorKind:      "lease_expired",
			ErrorMessage:   "runner lease expired; worker likely crashed mid-run",
		}
		if err := s.store.InsertRun(run); err != nil {
			_ = log.Errorf("Unable to record lease-expiry run for %s: %v", testID, err)
			continue
		}
		test, err := s.store.GetTestAny(testID)
		if err != nil {
			continue
		}
		st, err := s.store.GetTestState(testID)
		if err != nil {
			continue
		}
		next, _ := health.Observe(st.State, health.StatusInfraDegraded, test.Thresholds(), ts)
		if err := s.store.SaveTestState(testID, next); err != nil {
			_ = log.Errorf("Unable to save state after lease expiry for %s: %v", testID, err)
		}
	}
}

// enqueueDue scans for due tests and enqueues them within the concurrency
// caps. Tests over cap are shed: their cursor is left alone and the next
// tick retries.
func (s *Scheduler) enqueueDue(ts float64) {
	due, err := s.store.DueTests(ts, s.opts.GlobalConcurrency*4)
	if err != nil {
		_ = log.Errorf("Due scan failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	total, perTenant, err := s.store.InflightCounts()
	if err != nil {
		_ = log.Errorf("Inflight count failed: %v", err)
		return
	}
	for _, d := range due {
		test := d.Test
		if test.SchedulingDisabled(ts) {
			continue
		}
		if total >= s.opts.GlobalConcurrency || perTenant[test.TenantID] >= s.opts.PerTenantConcurrency {
			runsShed.Add(1)
			log.Debugf("Shedding due test %s, concurrency caps reached", test.ID)
			continue
		}
		queued, err := s.store.Enqueue(test.ID, ts)
		if err != nil {
			_ = log.Errorf("Unable to enqueue test %s: %v", test.ID, err)
			continue
		}
		if !queued {
			continue
		}
		runsEnqueued.Add(1)
		total++
		perTenant[test.TenantID]++
		nextDue := ts + s.effectiveInterval(&test, d.State.FailStreak) + rand.Float64()*float64(test.JitterSeconds)
		if err := s.store.SetNextDue(test.ID, nextDue); err != nil {
			_ = log.Errorf("Unable to advance cursor for test %s: %v", test.ID, err)
		}
	}
}

// effectiveInterval stretches the base interval for persistently failing
// tests: the factor doubles each time the streak grows by another backoff
// threshold, capped at the configured maximum.
func (s *Scheduler) effectiveInterval(test *registry.Test, failStreak int) float64 {
	factor := 1
	for streak := failStreak; streak >= s.opts.BackoffAfterFailures && factor < s.opts.BackoffMaxFactor; streak -= s.opts.BackoffAfterFailures {
		factor *= 2
	}
	if factor > s.opts.BackoffMaxFactor {
		factor = s.opts.BackoffMaxFactor
	}
	return float64(test.IntervalSeconds * factor)
}
