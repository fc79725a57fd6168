// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
)

type fixture struct {
	store  *registry.Store
	sched  *Scheduler
	tenant *registry.Tenant
}

func newFixture(t *testing.T, opts Options) *fixture {
	store, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tenant, err := store.CreateTenant("acme")
	require.NoError(t, err)
	return &fixture{store: store, sched: New(store, nil, opts), tenant: tenant}
}

func (f *fixture) addTest(t *testing.T, name string, jitter int) *registry.Test {
	tt := &registry.Test{
		TenantID:          f.tenant.ID,
		Name:              name,
		BaseURL:           "https://app.example.com",
		Kind:              registry.KindScriptPython,
		Enabled:           true,
		IntervalSeconds:   300,
		TimeoutSeconds:    60,
		JitterSeconds:     jitter,
		DownAfterFailures: 2,
		UpAfterSuccesses:  1,
	}
	require.NoError(t, f.store.CreateTest(tt))
	return tt
}

func (f *fixture) makeDue(t *testing.T, tt *registry.Test, ts float64) {
	require.NoError(t, f.store.SetNextDue(tt.ID, ts-1))
}

func TestTickEnqueuesDueTestAndAdvancesCursor(t *testing.T) {
	f := newFixture(t, Options{})
	tt := f.addTest(t, "checkout", 30)
	now := time.Now()
	ts := float64(now.UnixNano()) / 1e9
	f.makeDue(t, tt, ts)

	f.sched.Tick(now)

	total, _, err := f.store.InflightCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	st, err := f.store.GetTestState(tt.ID)
	require.NoError(t, err)
	// cursor = now + interval + uniform(0, jitter)
	assert.GreaterOrEqual(t, st.NextDueTs, ts+300)
	assert.LessOrEqual(t, st.NextDueTs, ts+300+30+1)

	// second tick: entry still open, nothing new gets queued
	f.sched.Tick(now.Add(time.Second))
	total, _, err = f.store.InflightCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestGlobalConcurrencyCapSheds(t *testing.T) {
	f := newFixture(t, Options{GlobalConcurrency: 2, PerTenantConcurrency: 10})
	now := time.Now()
	ts := float64(now.UnixNano()) / 1e9
	var tests []*registry.Test
	for i := 0; i < 5; i++ {
		tt := f.addTest(t, fmt.Sprintf("t%d", i), 0)
		f.makeDue(t, tt, ts)
		tests = append(tests, tt)
	}

	f.sched.Tick(now)
	total, _, err := f.store.InflightCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	// shed tests keep their old cursor, so they stay due
	dueAgain := 0
	for _, tt := range tests {
		st, err := f.store.GetTestState(tt.ID)
		require.NoError(t, err)
		if st.NextDueTs <= ts {
			dueAgain++
		}
	}
	assert.Equal(t, 3, dueAgain)
}

func TestPerTenantCap(t *testing.T) {
	f := newFixture(t, Options{GlobalConcurrency: 10, PerTenantConcurrency: 1})
	other, err := f.store.CreateTenant("globex")
	require.NoError(t, err)

	now := time.Now()
	ts := float64(now.UnixNano()) / 1e9
	for i := 0; i < 3; i++ {
		tt := f.addTest(t, fmt.Sprintf("acme-%d", i), 0)
		f.makeDue(t, tt, ts)
	}
	ot := &registry.Test{
		TenantID: other.ID, Name: "globex-0", BaseURL: "https://g.example.com",
		Kind: registry.KindScriptPython, Enabled: true,
		IntervalSeconds: 300, TimeoutSeconds: 60, DownAfterFailures: 2, UpAfterSuccesses: 1,
	}
	require.NoError(t, f.store.CreateTest(ot))
	f.makeDue(t, ot, ts)

	f.sched.Tick(now)
	total, perTenant, err := f.store.InflightCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, perTenant[f.tenant.ID])
	assert.Equal(t, 1, perTenant[other.ID])
}

func TestFailureBackoffStretchesInterval(t *testing.T) {
	f := newFixture(t, Options{BackoffAfterFailures: 10, BackoffMaxFactor: 4})
	tt := f.addTest(t, "checkout", 0)

	assert.Equal(t, 300.0, f.sched.effectiveInterval(tt, 0))
	assert.Equal(t, 300.0, f.sched.effectiveInterval(tt, 9))
	assert.Equal(t, 600.0, f.sched.effectiveInterval(tt, 10))
	assert.Equal(t, 600.0, f.sched.effectiveInterval(tt, 19))
	assert.Equal(t, 1200.0, f.sched.effectiveInterval(tt, 20))
	// capped at x4
	assert.Equal(t, 1200.0, f.sched.effectiveInterval(tt, 500))
}

func TestLeaseRecoverySynthesizesInfraRun(t *testing.T) {
	f := newFixture(t, Options{})
	tt := f.addTest(t, "checkout", 0)
	now := time.Now()
	ts := float64(now.UnixNano()) / 1e9

	// simulate a crashed worker: claim, then never complete
	_, err := f.store.Enqueue(tt.ID, ts-100)
	require.NoError(t, err)
	e, err := f.store.Claim("w-dead", ts, ts-1)
	require.NoError(t, err)
	require.NotNil(t, e)

	f.sched.Tick(now)

	runs, err := f.store.ListRuns(f.tenant.ID, tt.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, health.StatusInfraDegraded, runs[0].Status)
	assert.Equal(t, "lease_expired", runs[0].ErrorKind)

	// infra-degraded is neutral: the state stays unknown
	st, err := f.store.GetTestState(tt.ID)
	require.NoError(t, err)
	assert.Equal(t, health.StateUnknown, st.EffectiveOK)
	assert.Zero(t, st.FailStreak)
	assert.Greater(t, st.LastInfraTs, 0.0)
}

func TestDisabledTestsAreNeverEnqueued(t *testing.T) {
	f := newFixture(t, Options{})
	tt := f.addTest(t, "checkout", 0)
	now := time.Now()
	ts := float64(now.UnixNano()) / 1e9
	f.makeDue(t, tt, ts)
	_, err := f.store.SetTestEnabled(f.tenant.ID, tt.ID, false, "maintenance", 0)
	require.NoError(t, err)

	f.sched.Tick(now)
	total, _, err := f.store.InflightCounts()
	require.NoError(t, err)
	assert.Zero(t, total)
}
