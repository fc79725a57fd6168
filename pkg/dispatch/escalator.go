// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package dispatch

import (
	"context"
	"expvar"
	"fmt"

	"github.com/pitchai/e2e-sentinel/pkg/alerts"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

var (
	escalations      = expvar.NewInt("dispatch_escalations")
	escalationErrors = expvar.NewInt("dispatch_escalation_errors")
)

// Escalator submits diagnosis jobs for DOWN transitions, follows them, and
// reports the agent's conclusion back to the alert channel. One escalation
// at a time; while busy, further requests are dropped rather than queued so
// a flapping fleet cannot pile up agent runs.
type Escalator struct {
	client *Client
	store  *registry.Store
	alert  *alerts.Manager
	sem    chan struct{}
}

// NewEscalator wires the escalation path.
func NewEscalator(client *Client, store *registry.Store, alert *alerts.Manager) *Escalator {
	return &Escalator{client: client, store: store, alert: alert, sem: make(chan struct{}, 1)}
}

// Escalate starts a background diagnosis for stateKey unless one is already
// running. Returns whether the escalation was accepted.
func (e *Escalator) Escalate(ctx context.Context, stateKey, subject, detail string) bool {
	if e == nil || e.client == nil {
		return false
	}
	select {
	case e.sem <- struct{}{}:
	default:
		log.Infof("Escalation for %s skipped, another diagnosis is in flight", stateKey)
		return false
	}
	escalations.Add(1)
	go func() {
		defer func() { <-e.sem }()
		e.run(ctx, stateKey, subject, detail)
	}()
	return true
}

func (e *Escalator) run(ctx context.Context, stateKey, subject, detail string) {
	rec := &registry.DispatchRun{StateKey: stateKey}
	defer func() {
		if err := e.store.InsertDispatchRun(rec); err != nil {
			_ = log.Errorf("Unable to record dispatch run for %s: %v", stateKey, err)
		}
	}()

	bundle, err := e.client.CreateJob(ctx, BuildDiagnosisPrompt(subject, detail))
	if err != nil {
		escalationErrors.Add(1)
		rec.ErrorMessage = err.Error()
		_ = log.Errorf("Dispatch submit for %s failed: %v", stateKey, err)
		return
	}
	rec.Bundle = bundle
	log.Infof("Dispatched diagnosis %s for %s", bundle, stateKey)

	state, err := e.client.WaitForTerminal(ctx, bundle)
	if err != nil {
		escalationErrors.Add(1)
		rec.ErrorMessage = err.Error()
		_ = log.Warnf("Dispatch run %s did not finish: %v", bundle, err)
		return
	}
	rec.QueueState = state

	logData, err := e.client.LogTail(ctx, bundle, 0, 2<<20)
	if err != nil {
		rec.ErrorMessage = err.Error()
		_ = log.Warnf("Unable to fetch dispatch log for %s: %v", bundle, err)
	} else {
		rec.AgentMessage = LastAgentMessage(logData)
	}

	msg := fmt.Sprintf("🤖 Diagnosis for %s finished (%s)", subject, state)
	if rec.AgentMessage != "" {
		msg += "\n\n" + rec.AgentMessage
	}
	e.alert.Notify(ctx, msg)
}
