// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"encoding/json"

	"github.com/pitchai/e2e-sentinel/pkg/health"
)

// TestKind selects the sandbox runtime used to execute an uploaded test file.
type TestKind string

// Supported test kinds.
const (
	KindScriptPython TestKind = "script_python"
	KindScriptJS     TestKind = "script_js"
)

// IsValidKind reports whether k names a supported sandbox runtime.
func IsValidKind(k TestKind) bool {
	return k == KindScriptPython || k == KindScriptJS
}

// SourceExtension returns the file extension a source upload must carry for
// the given kind.
func SourceExtension(k TestKind) string {
	if k == KindScriptJS {
		return ".js"
	}
	return ".py"
}

// Schedule bounds, enforced on create and on metadata updates.
const (
	MinIntervalSeconds = 60
	MaxIntervalSeconds = 3600
	MinTimeoutSeconds  = 1
	MaxTimeoutSeconds  = 300
	MaxDebounceCount   = 20
)

// Tenant owns tests and API keys.
type Tenant struct {
	ID        string  `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	CreatedAt float64 `db:"created_at_ts" json:"created_at_ts"`
}

// APIKey authenticates a tenant. Only the SHA-256 hash of the token is
// stored; the raw token is returned once at creation time.
type APIKey struct {
	ID        string  `db:"id" json:"id"`
	TenantID  string  `db:"tenant_id" json:"tenant_id"`
	Name      string  `db:"name" json:"name"`
	TokenHash string  `db:"token_hash" json:"-"`
	CreatedAt float64 `db:"created_at_ts" json:"created_at_ts"`
	RevokedAt float64 `db:"revoked_at_ts" json:"revoked_at_ts,omitempty"`
}

// Test is a tenant-registered end-to-end browser test.
type Test struct {
	ID                string   `db:"id" json:"id"`
	TenantID          string   `db:"tenant_id" json:"tenant_id"`
	Name              string   `db:"name" json:"name"`
	BaseURL           string   `db:"base_url" json:"base_url"`
	Kind              TestKind `db:"kind" json:"kind"`
	Enabled           bool     `db:"enabled" json:"enabled"`
	DisabledReason    string   `db:"disabled_reason" json:"disabled_reason,omitempty"`
	DisabledUntilTs   float64  `db:"disabled_until_ts" json:"disabled_until_ts,omitempty"`
	IntervalSeconds   int      `db:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds    int      `db:"timeout_seconds" json:"timeout_seconds"`
	JitterSeconds     int      `db:"jitter_seconds" json:"jitter_seconds"`
	DownAfterFailures int      `db:"down_after_failures" json:"down_after_failures"`
	UpAfterSuccesses  int      `db:"up_after_successes" json:"up_after_successes"`
	NotifyOnRecovery  bool     `db:"notify_on_recovery" json:"notify_on_recovery"`
	DispatchOnFailure bool     `db:"dispatch_on_failure" json:"dispatch_on_failure"`
	SourcePath        string   `db:"source_path" json:"-"`
	SourceSHA256      string   `db:"source_sha256" json:"source_sha256,omitempty"`
	SourceSize        int64    `db:"source_size" json:"source_size,omitempty"`
	CreatedAt         float64  `db:"created_at_ts" json:"created_at_ts"`
	UpdatedAt         float64  `db:"updated_at_ts" json:"updated_at_ts"`
}

// Thresholds returns the debounce thresholds configured on the test.
func (t *Test) Thresholds() health.Thresholds {
	return health.Thresholds{
		DownAfterFailures: t.DownAfterFailures,
		UpAfterSuccesses:  t.UpAfterSuccesses,
	}
}

// SchedulingDisabled reports whether the test should be skipped by the
// scheduler at the given instant, either permanently or via a temporary
// disabled_until window.
func (t *Test) SchedulingDisabled(nowTs float64) bool {
	if !t.Enabled {
		return true
	}
	return t.DisabledUntilTs > nowTs
}

// TestState is the persisted debounce block plus scheduling cursor for one test.
type TestState struct {
	TestID string `db:"test_id" json:"test_id"`
	health.State
	NextDueTs float64 `db:"next_due_ts" json:"next_due_ts"`
}

// TestWithState is the API shape for list/get responses.
type TestWithState struct {
	Test
	State *TestState `json:"state,omitempty"`
}

// Run is one terminal execution record. Runs are never mutated once written.
type Run struct {
	ID             string        `db:"id" json:"id"`
	TestID         string        `db:"test_id" json:"test_id"`
	ScheduledForTs float64       `db:"scheduled_for_ts" json:"scheduled_for_ts"`
	StartedAtTs    float64       `db:"started_at_ts" json:"started_at_ts"`
	FinishedAtTs   float64       `db:"finished_at_ts" json:"finished_at_ts"`
	Status         health.Status `db:"status" json:"status"`
	ElapsedMs      float64       `db:"elapsed_ms" json:"elapsed_ms,omitempty"`
	ErrorKind      string        `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage   string        `db:"error_message" json:"error_message,omitempty"`
	FinalURL       string        `db:"final_url" json:"final_url,omitempty"`
	PageTitle      string        `db:"page_title" json:"page_title,omitempty"`
	ArtifactsJSON  string        `db:"artifacts_json" json:"-"`
}

// Artifacts decodes the artifact name map recorded on the run.
func (r *Run) Artifacts() map[string]string {
	out := map[string]string{}
	if r.ArtifactsJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.ArtifactsJSON), &out)
	return out
}

// Queue entry statuses.
const (
	QueueStatusQueued = "queued"
	QueueStatusLeased = "leased"
	QueueStatusDone   = "done"
)

// QueueEntry is a durable run job. Leases are time-bounded so that crashed
// workers do not strand entries.
type QueueEntry struct {
	ID            int64   `db:"id" json:"id"`
	TestID        string  `db:"test_id" json:"test_id"`
	DueTs         float64 `db:"due_ts" json:"due_ts"`
	Attempt       int     `db:"attempt" json:"attempt"`
	Status        string  `db:"status" json:"status"`
	LeasedBy      string  `db:"leased_by" json:"leased_by,omitempty"`
	LeasedUntilTs float64 `db:"leased_until_ts" json:"leased_until_ts,omitempty"`
}

// DispatchRun records one escalation outcome for the admin log.
type DispatchRun struct {
	ID           string  `db:"id" json:"id"`
	CreatedAt    float64 `db:"created_at_ts" json:"created_at_ts"`
	StateKey     string  `db:"state_key" json:"state_key"`
	Bundle       string  `db:"bundle" json:"bundle,omitempty"`
	UIURL        string  `db:"ui_url" json:"ui_url,omitempty"`
	QueueState   string  `db:"queue_state" json:"queue_state,omitempty"`
	AgentMessage string  `db:"agent_message" json:"agent_message,omitempty"`
	ErrorMessage string  `db:"error_message" json:"error_message,omitempty"`
}

// TestPatch is a partial metadata update; nil fields are left unchanged.
// Source content is never patched through here, that path is ReplaceSource.
type TestPatch struct {
	Name              *string `json:"name"`
	BaseURL           *string `json:"base_url"`
	IntervalSeconds   *int    `json:"interval_seconds"`
	TimeoutSeconds    *int    `json:"timeout_seconds"`
	JitterSeconds     *int    `json:"jitter_seconds"`
	DownAfterFailures *int    `json:"down_after_failures"`
	UpAfterSuccesses  *int    `json:"up_after_successes"`
	NotifyOnRecovery  *bool   `json:"notify_on_recovery"`
	DispatchOnFailure *bool   `json:"dispatch_on_failure"`
}

// ListFilter narrows ListTests results.
type ListFilter struct {
	Enabled         *bool
	BaseURLContains string
	Limit           int
	Offset          int
}

// SummaryRow is one line of the admin status summary.
type SummaryRow struct {
	TestID         string        `db:"test_id" json:"test_id"`
	TenantID       string        `db:"tenant_id" json:"tenant_id"`
	TestName       string        `db:"test_name" json:"test_name"`
	BaseURL        string        `db:"base_url" json:"base_url"`
	Enabled        bool          `db:"enabled" json:"enabled"`
	EffectiveOK    string        `db:"effective_ok" json:"effective_ok"`
	FailStreak     int           `db:"fail_streak" json:"fail_streak"`
	LastOKTs       float64       `db:"last_ok_ts" json:"last_ok_ts,omitempty"`
	LastStatus     health.Status `db:"last_status" json:"last_status,omitempty"`
	LastElapsedMs  float64       `db:"last_elapsed_ms" json:"last_elapsed_ms,omitempty"`
	LastFinishedTs float64       `db:"last_finished_ts" json:"last_finished_ts,omitempty"`
}

// TenantLastRun is the per-tenant rollup in the admin status summary: the
// most recent finished run across all of the tenant's tests.
type TenantLastRun struct {
	TestID     string        `json:"test_id"`
	TestName   string        `json:"test_name"`
	Status     health.Status `json:"status"`
	FinishedTs float64       `json:"finished_ts"`
}

// Summary is the admin status payload.
type Summary struct {
	TestsTotal       int                      `json:"tests_total"`
	Failing          int                      `json:"failing"`
	Slowest          []SummaryRow             `json:"slowest"`
	Tests            []SummaryRow             `json:"tests"`
	LastRunPerTenant map[string]TenantLastRun `json:"last_run_per_tenant"`
}
