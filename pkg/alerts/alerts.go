// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package alerts delivers operator notifications. Delivery is best-effort:
// monitoring results are recorded whether or not the alert channel is up.
package alerts

import (
	"context"
	"expvar"
	"fmt"
	"time"
	"unicode/utf8"

	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

var (
	alertsSent   = expvar.NewInt("alerts_sent")
	alertsFailed = expvar.NewInt("alerts_failed")
)

// Manager chunks and ships alert texts through a Notifier, retrying once on
// transient failure.
type Manager struct {
	notifier Notifier
}

// NewManager wraps a notifier; a nil notifier yields a disabled manager that
// logs instead of sending.
func NewManager(n Notifier) *Manager {
	return &Manager{notifier: n}
}

// Notify sends text, split into channel-sized chunks. Failures are logged
// and swallowed.
func (m *Manager) Notify(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if m == nil || m.notifier == nil {
		log.Infof("Alerting disabled, suppressed message: %.120s", text)
		return
	}
	for _, chunk := range ChunkMessage(text, TelegramSoftLimit) {
		if err := m.sendWithRetry(ctx, chunk); err != nil {
			alertsFailed.Add(1)
			_ = log.Errorf("Alert delivery failed: %v", err)
			continue
		}
		alertsSent.Add(1)
	}
}

func (m *Manager) sendWithRetry(ctx context.Context, chunk string) error {
	err := m.notifier.Send(ctx, chunk)
	if err == nil {
		return nil
	}
	log.Debugf("Alert send failed, retrying once: %v", err)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return m.notifier.Send(ctx, chunk)
}

func fmtTs(ts float64) string {
	if ts == 0 {
		return "never"
	}
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

// TestDown formats the message for a test crossing into DOWN.
func TestDown(tenantName, testName, baseURL string, failStreak int, errorKind, errorMessage, runURL string, lastOKTs float64) string {
	msg := fmt.Sprintf("🔴 DOWN: %s / %s\nURL: %s\nConsecutive failures: %d\nLast OK: %s",
		tenantName, testName, baseURL, failStreak, fmtTs(lastOKTs))
	if errorKind != "" {
		msg += fmt.Sprintf("\nError: [%s] %s", errorKind, truncate(errorMessage, 500))
	}
	if runURL != "" {
		msg += "\nEvidence: " + runURL
	}
	return msg
}

// TestRecovered formats the message for a test returning to UP.
func TestRecovered(tenantName, testName, baseURL string, downForSeconds float64) string {
	return fmt.Sprintf("🟢 RECOVERED: %s / %s\nURL: %s\nWas down for: %s",
		tenantName, testName, baseURL, fmtDuration(downForSeconds))
}

// DomainDown formats the message for a monitored domain probe going DOWN.
func DomainDown(probe, domain string, failStreak int, detail string) string {
	msg := fmt.Sprintf("🔴 DOWN: %s check for %s\nConsecutive failures: %d", probe, domain, failStreak)
	if detail != "" {
		msg += "\nDetail: " + truncate(detail, 500)
	}
	return msg
}

// DomainRecovered formats the message for a domain probe returning to UP.
func DomainRecovered(probe, domain string, downForSeconds float64) string {
	return fmt.Sprintf("🟢 RECOVERED: %s check for %s\nWas down for: %s",
		probe, domain, fmtDuration(downForSeconds))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary so UTF-8 from page text survives the cut
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func fmtDuration(seconds float64) string {
	if seconds <= 0 {
		return "unknown"
	}
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	return d.String()
}
