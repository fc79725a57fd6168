// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package domain

import (
	"context"
	"expvar"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitchai/e2e-sentinel/pkg/alerts"
	"github.com/pitchai/e2e-sentinel/pkg/dispatch"
	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

var (
	domainChecks     = expvar.NewInt("domain_checks")
	domainCheckFails = expvar.NewInt("domain_check_failures")
)

// probeStatus is the latest observation for one probe of one domain, kept in
// memory for the heartbeat digest.
type probeStatus struct {
	Result Result
	State  health.State
	At     time.Time
}

// Monitor cycles through the configured domains on a fixed cadence.
type Monitor struct {
	store     *registry.Store
	alert     *alerts.Manager
	escalator *dispatch.Escalator
	probes    []Probe
	interval  time.Duration

	mu      sync.RWMutex
	domains []Domain
	latest  map[string]probeStatus
}

// NewMonitor builds a domain monitor. probes run in order for every domain;
// the browser probe skips domains that have not opted in.
func NewMonitor(store *registry.Store, alert *alerts.Manager, escalator *dispatch.Escalator, probes []Probe, cfg *Config, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		store:     store,
		alert:     alert,
		escalator: escalator,
		probes:    probes,
		interval:  interval,
		domains:   cfg.Domains,
		latest:    map[string]probeStatus{},
	}
}

// Reload swaps in a new domains config; state for dropped domains stays in
// the store, harmless, until the key returns.
func (m *Monitor) Reload(cfg *Config) {
	m.mu.Lock()
	m.domains = cfg.Domains
	m.mu.Unlock()
	log.Infof("Domain monitor reloaded, %d domains", len(cfg.Domains))
}

// Run checks all domains immediately and then on every interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Infof("Domain monitor running every %s over %d domains", m.interval, len(m.snapshotDomains()))
	m.CheckAll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

func (m *Monitor) snapshotDomains() []Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Domain, len(m.domains))
	copy(out, m.domains)
	return out
}

// CheckAll runs one full pass over every domain and probe.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now()
	for _, d := range m.snapshotDomains() {
		if d.Disabled(now) {
			log.Debugf("Domain %s disabled until %s, skipping", d.Name, d.DisabledUntil)
			continue
		}
		for _, p := range m.probes {
			if p.Name() == "browser" && !d.BrowserCheck {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.checkOne(ctx, p, d)
		}
	}
}

func (m *Monitor) checkOne(ctx context.Context, p Probe, d Domain) {
	domainChecks.Add(1)
	res := p.Check(ctx, d)
	nowTs := float64(time.Now().UnixNano()) / 1e9
	key := p.Name() + ":" + d.Name

	if res.Status != health.StatusPass {
		domainCheckFails.Add(1)
		log.Debugf("Domain check %s: %s (%s)", key, res.Status, res.Detail)
	}

	prev, err := m.store.GetDomainState(key)
	if err != nil {
		_ = log.Errorf("Unable to load domain state %s: %v", key, err)
		return
	}
	th := health.Thresholds{DownAfterFailures: d.DownAfterFailures, UpAfterSuccesses: d.UpAfterSuccesses}
	next, transition := health.Observe(prev, res.Status, th, nowTs)
	if err := m.store.SaveDomainState(key, next); err != nil {
		_ = log.Errorf("Unable to save domain state %s: %v", key, err)
		return
	}

	m.mu.Lock()
	m.latest[key] = probeStatus{Result: res, State: next, At: time.Now()}
	m.mu.Unlock()

	switch transition {
	case health.TransitionDown:
		_ = log.Warnf("Domain %s %s check went DOWN: %s", d.Name, p.Name(), res.Detail)
		m.alert.Notify(ctx, alerts.DomainDown(p.Name(), d.Name, next.FailStreak, res.Detail))
		if d.DispatchOnFailure && m.escalator != nil {
			subject := fmt.Sprintf("%s (%s check, %s)", d.Name, p.Name(), d.URL)
			m.escalator.Escalate(ctx, "domain:"+key, subject, res.Detail)
		}
	case health.TransitionUp:
		log.Infof("Domain %s %s check recovered", d.Name, p.Name())
		downFor := 0.0
		if prev.LastAlertTs > 0 {
			downFor = nowTs - prev.LastAlertTs
		}
		m.alert.Notify(ctx, alerts.DomainRecovered(p.Name(), d.Name, downFor))
	}
}

// HeartbeatDigest renders the domain section of the periodic liveness
// message: one line per domain with per-probe timing and state.
func (m *Monitor) HeartbeatDigest() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lines []string
	up, total := 0, 0
	for _, d := range m.domains {
		var parts []string
		domainUp := true
		for _, p := range m.probes {
			if p.Name() == "browser" && !d.BrowserCheck {
				continue
			}
			key := p.Name() + ":" + d.Name
			st, ok := m.latest[key]
			if !ok {
				parts = append(parts, p.Name()+" pending")
				continue
			}
			mark := "✅"
			if st.State.EffectiveOK == health.StateDown {
				mark = "❌"
				domainUp = false
			} else if st.State.EffectiveOK == health.StateUnknown {
				mark = "❔"
			}
			parts = append(parts, fmt.Sprintf("%s %.0fms %s", p.Name(), st.Result.ElapsedMs, mark))
		}
		total++
		if domainUp {
			up++
		}
		lines = append(lines, fmt.Sprintf("%s: %s", d.Name, strings.Join(parts, ", ")))
	}
	sort.Strings(lines)
	header := fmt.Sprintf("Domains UP: %d/%d", up, total)
	return strings.Join(append([]string{header}, lines...), "\n")
}
