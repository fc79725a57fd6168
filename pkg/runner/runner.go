// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package runner drains the durable run queue: each worker claims a job,
// executes the test in a sandbox child, persists the run, and feeds the
// outcome through the debounce state machine.
package runner

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchai/e2e-sentinel/pkg/alerts"
	"github.com/pitchai/e2e-sentinel/pkg/dispatch"
	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

var (
	runsExecuted  = expvar.NewInt("runner_runs_executed")
	runsFailed    = expvar.NewInt("runner_runs_failed")
	runsInfra     = expvar.NewInt("runner_runs_infra_degraded")
	claimsSkipped = expvar.NewInt("runner_claims_empty")
)

// Worker leases are padded well beyond the largest allowed test timeout so
// a live worker never loses its claim mid-run.
const leasePadding = 60 * time.Second

// Runner is the worker pool.
type Runner struct {
	store         *registry.Store
	sandbox       *Sandbox
	alert         *alerts.Manager
	escalator     *dispatch.Escalator
	workers       int
	pollInterval  time.Duration
	publicBaseURL string

	wg sync.WaitGroup
}

// New builds a runner pool over the shared store.
func New(store *registry.Store, sandbox *Sandbox, alert *alerts.Manager, escalator *dispatch.Escalator, workers int, pollInterval time.Duration, publicBaseURL string) *Runner {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		store:         store,
		sandbox:       sandbox,
		alert:         alert,
		escalator:     escalator,
		workers:       workers,
		pollInterval:  pollInterval,
		publicBaseURL: publicBaseURL,
	}
}

// Start launches the workers; they stop when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	log.Infof("Starting %d runner workers", r.workers)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Wait blocks until all workers have drained after cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// drain until the queue is empty, then go back to polling
		for {
			if ctx.Err() != nil {
				return
			}
			worked, err := r.runOne(ctx, workerID)
			if err != nil {
				_ = log.Errorf("Runner %s: %v", workerID, err)
				break
			}
			if !worked {
				claimsSkipped.Add(1)
				break
			}
		}
	}
}

// runOne claims and executes a single queue entry. Returns false when the
// queue had nothing due.
func (r *Runner) runOne(ctx context.Context, workerID string) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	leaseUntil := now + (time.Duration(registry.MaxTimeoutSeconds)*time.Second + leasePadding).Seconds()*2
	entry, err := r.store.Claim(workerID, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim failed: %v", err)
	}
	if entry == nil {
		return false, nil
	}

	test, err := r.store.GetTestAny(entry.TestID)
	if err == registry.ErrNotFound {
		// test deleted while queued
		return true, r.store.Complete(entry.ID)
	}
	if err != nil {
		return false, err
	}

	runID := uuid.New().String()
	artifactsDir := registry.RunArtifactsDir(r.store.DataDir(), test.TenantID, test.ID, runID)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return false, fmt.Errorf("unable to create artifacts dir: %v", err)
	}

	sourceFile := filepath.Join(r.store.DataDir(), test.SourcePath)
	started := float64(time.Now().UnixNano()) / 1e9
	var res Result
	if !strings.HasSuffix(test.SourcePath, registry.SourceExtension(test.Kind)) {
		res = Result{
			Status:       health.StatusFail,
			ErrorKind:    ErrorKindRunnerProtocol,
			ErrorMessage: fmt.Sprintf("source %q does not match kind %s", test.SourcePath, test.Kind),
		}
	} else {
		res = r.sandbox.Execute(ctx, test, sourceFile, artifactsDir)
	}
	finished := float64(time.Now().UnixNano()) / 1e9
	runsExecuted.Add(1)

	run := &registry.Run{
		ID:             runID,
		TestID:         test.ID,
		ScheduledForTs: entry.DueTs,
		StartedAtTs:    started,
		FinishedAtTs:   finished,
		Status:         res.Status,
		ElapsedMs:      res.ElapsedMs,
		ErrorKind:      res.ErrorKind,
		ErrorMessage:   res.ErrorMessage,
		FinalURL:       res.FinalURL,
		PageTitle:      res.PageTitle,
		ArtifactsJSON:  registry.MarshalArtifacts(r.collectArtifacts(test, runID, artifactsDir, res.Artifacts)),
	}
	if err := r.store.InsertRun(run); err != nil {
		return false, err
	}
	if err := r.store.Complete(entry.ID); err != nil {
		return false, err
	}

	r.applyOutcome(ctx, test, run, res, finished)
	return true, nil
}

// collectArtifacts turns the child's artifact names into paths relative to
// the data dir, merged with a directory scan so run.log and screenshots the
// child wrote without reporting are still served.
func (r *Runner) collectArtifacts(test *registry.Test, runID, artifactsDir string, reported map[string]string) map[string]string {
	names := map[string]string{}
	for name := range reported {
		names[name] = ""
	}
	entries, err := os.ReadDir(artifactsDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				names[e.Name()] = ""
			}
		}
	}
	out := map[string]string{}
	for name := range names {
		full := filepath.Join(artifactsDir, filepath.Base(name))
		if _, err := os.Stat(full); err != nil {
			continue
		}
		rel, err := filepath.Rel(r.store.DataDir(), full)
		if err != nil {
			continue
		}
		out[filepath.Base(name)] = rel
	}
	return out
}

// applyOutcome feeds the run through the debounce machine and fires alerts
// and escalations on transitions. Alerting failures never block the queue.
func (r *Runner) applyOutcome(ctx context.Context, test *registry.Test, run *registry.Run, res Result, nowTs float64) {
	switch res.Status {
	case health.StatusInfraDegraded:
		runsInfra.Add(1)
		_ = log.Warnf("Test %s run degraded by browser infrastructure: %s", test.ID, res.ErrorMessage)
	case health.StatusFail, health.StatusTimeout:
		runsFailed.Add(1)
	}

	prev, err := r.store.GetTestState(test.ID)
	if err != nil {
		_ = log.Errorf("Unable to load state for test %s: %v", test.ID, err)
		return
	}
	next, transition := health.Observe(prev.State, res.Status, test.Thresholds(), nowTs)
	if err := r.store.SaveTestState(test.ID, next); err != nil {
		_ = log.Errorf("Unable to save state for test %s: %v", test.ID, err)
		return
	}
	if transition == health.TransitionNone {
		return
	}

	tenantName := test.TenantID
	if tenant, err := r.store.GetTenant(test.TenantID); err == nil {
		tenantName = tenant.Name
	}
	switch transition {
	case health.TransitionDown:
		log.Infof("Test %s (%s/%s) transitioned DOWN after %d failures",
			test.ID, tenantName, test.Name, next.FailStreak)
		evidence := ""
		if r.publicBaseURL != "" {
			evidence = fmt.Sprintf("%s/api/v1/runs/%s", r.publicBaseURL, run.ID)
		}
		r.alert.Notify(ctx, alerts.TestDown(tenantName, test.Name, test.BaseURL,
			next.FailStreak, run.ErrorKind, run.ErrorMessage, evidence, next.LastOKTs))
		if test.DispatchOnFailure && r.escalator != nil {
			subject := fmt.Sprintf("%s / %s (%s)", tenantName, test.Name, test.BaseURL)
			detail := fmt.Sprintf("[%s] %s", run.ErrorKind, run.ErrorMessage)
			r.escalator.Escalate(ctx, "test:"+test.ID, subject, detail)
		}
	case health.TransitionUp:
		log.Infof("Test %s (%s/%s) recovered", test.ID, tenantName, test.Name)
		if test.NotifyOnRecovery {
			downFor := 0.0
			if prev.LastAlertTs > 0 {
				downFor = nowTs - prev.LastAlertTs
			}
			r.alert.Notify(ctx, alerts.TestRecovered(tenantName, test.Name, test.BaseURL, downFor))
		}
	}
}
