// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pitchai/e2e-sentinel/pkg/health"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

// ErrNotFound is returned by store lookups when no row matches within the
// caller's tenant scope.
var ErrNotFound = fmt.Errorf("not found")

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    created_at_ts REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    token_hash    TEXT NOT NULL UNIQUE,
    created_at_ts REAL NOT NULL,
    revoked_at_ts REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tests (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    name                TEXT NOT NULL,
    base_url            TEXT NOT NULL,
    kind                TEXT NOT NULL,
    enabled             INTEGER NOT NULL DEFAULT 1,
    disabled_reason     TEXT NOT NULL DEFAULT '',
    disabled_until_ts   REAL NOT NULL DEFAULT 0,
    interval_seconds    INTEGER NOT NULL,
    timeout_seconds     INTEGER NOT NULL,
    jitter_seconds      INTEGER NOT NULL DEFAULT 0,
    down_after_failures INTEGER NOT NULL DEFAULT 2,
    up_after_successes  INTEGER NOT NULL DEFAULT 1,
    notify_on_recovery  INTEGER NOT NULL DEFAULT 1,
    dispatch_on_failure INTEGER NOT NULL DEFAULT 0,
    source_path         TEXT NOT NULL DEFAULT '',
    source_sha256       TEXT NOT NULL DEFAULT '',
    source_size         INTEGER NOT NULL DEFAULT 0,
    created_at_ts       REAL NOT NULL,
    updated_at_ts       REAL NOT NULL,
    UNIQUE (tenant_id, name)
);
CREATE TABLE IF NOT EXISTS test_states (
    test_id        TEXT PRIMARY KEY REFERENCES tests(id) ON DELETE CASCADE,
    effective_ok   TEXT NOT NULL DEFAULT 'unknown',
    fail_streak    INTEGER NOT NULL DEFAULT 0,
    success_streak INTEGER NOT NULL DEFAULT 0,
    last_ok_ts     REAL NOT NULL DEFAULT 0,
    last_fail_ts   REAL NOT NULL DEFAULT 0,
    last_infra_ts  REAL NOT NULL DEFAULT 0,
    last_alert_ts  REAL NOT NULL DEFAULT 0,
    next_due_ts    REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    test_id          TEXT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
    scheduled_for_ts REAL NOT NULL,
    started_at_ts    REAL NOT NULL,
    finished_at_ts   REAL NOT NULL,
    status           TEXT NOT NULL,
    elapsed_ms       REAL NOT NULL DEFAULT 0,
    error_kind       TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    final_url        TEXT NOT NULL DEFAULT '',
    page_title       TEXT NOT NULL DEFAULT '',
    artifacts_json   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_test_finished ON runs(test_id, finished_at_ts DESC);
CREATE TABLE IF NOT EXISTS run_queue (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    test_id         TEXT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
    due_ts          REAL NOT NULL,
    attempt         INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'queued',
    leased_by       TEXT NOT NULL DEFAULT '',
    leased_until_ts REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_open ON run_queue(status, due_ts);
CREATE TABLE IF NOT EXISTS domain_states (
    key            TEXT PRIMARY KEY,
    effective_ok   TEXT NOT NULL DEFAULT 'unknown',
    fail_streak    INTEGER NOT NULL DEFAULT 0,
    success_streak INTEGER NOT NULL DEFAULT 0,
    last_ok_ts     REAL NOT NULL DEFAULT 0,
    last_fail_ts   REAL NOT NULL DEFAULT 0,
    last_infra_ts  REAL NOT NULL DEFAULT 0,
    last_alert_ts  REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dispatch_runs (
    id            TEXT PRIMARY KEY,
    created_at_ts REAL NOT NULL,
    state_key     TEXT NOT NULL,
    bundle        TEXT NOT NULL DEFAULT '',
    ui_url        TEXT NOT NULL DEFAULT '',
    queue_state   TEXT NOT NULL DEFAULT '',
    agent_message TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);
`

// Store is the sqlite-backed registry. All timestamps are float64 unix
// seconds. sqlite has a single writer, so the pool is pinned to one
// connection and WAL keeps readers from blocking it.
type Store struct {
	db      *sqlx.DB
	dataDir string
}

// Open opens (and if needed bootstraps) the registry database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(dataDir, "sentinel.db"))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open registry db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to apply registry schema: %v", err)
	}
	log.Infof("Registry database ready at %s", dataDir)
	return &Store{db: db, dataDir: dataDir}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the root under which sources and artifacts live.
func (s *Store) DataDir() string {
	return s.dataDir
}

func nowTs() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// --- tenants and keys ---

// CreateTenant registers a tenant by name.
func (s *Store) CreateTenant(name string) (*Tenant, error) {
	t := &Tenant{ID: uuid.New().String(), Name: name, CreatedAt: nowTs()}
	_, err := s.db.Exec(`INSERT INTO tenants (id, name, created_at_ts) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("unable to create tenant: %v", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by creation time.
func (s *Store) ListTenants() ([]Tenant, error) {
	var out []Tenant
	err := s.db.Select(&out, `SELECT * FROM tenants ORDER BY created_at_ts`)
	return out, err
}

// GetTenant looks a tenant up by id.
func (s *Store) GetTenant(id string) (*Tenant, error) {
	var t Tenant
	err := s.db.Get(&t, `SELECT * FROM tenants WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &t, err
}

// CreateAPIKey stores the hash of a freshly minted token for a tenant.
func (s *Store) CreateAPIKey(tenantID, name, tokenHash string) (*APIKey, error) {
	if _, err := s.GetTenant(tenantID); err != nil {
		return nil, err
	}
	k := &APIKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		TokenHash: tokenHash,
		CreatedAt: nowTs(),
	}
	_, err := s.db.Exec(
		`INSERT INTO api_keys (id, tenant_id, name, token_hash, created_at_ts) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.TenantID, k.Name, k.TokenHash, k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("unable to create api key: %v", err)
	}
	return k, nil
}

// RevokeAPIKey marks a key unusable. Revocation is permanent.
func (s *Store) RevokeAPIKey(tenantID, keyID string) error {
	res, err := s.db.Exec(
		`UPDATE api_keys SET revoked_at_ts = ? WHERE id = ? AND tenant_id = ? AND revoked_at_ts = 0`,
		nowTs(), keyID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TenantForTokenHash resolves an API token hash to its owning tenant.
func (s *Store) TenantForTokenHash(tokenHash string) (*Tenant, error) {
	var t Tenant
	err := s.db.Get(&t, `
		SELECT tenants.* FROM api_keys
		JOIN tenants ON tenants.id = api_keys.tenant_id
		WHERE api_keys.token_hash = ? AND api_keys.revoked_at_ts = 0`, tokenHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &t, err
}

// --- tests ---

// CreateTest inserts a test plus its empty state row. The first due time is
// spread over the interval so a batch of creations does not thundering-herd
// the runner.
func (s *Store) CreateTest(t *Test) error {
	now := nowTs()
	t.ID = uuid.New().String()
	t.CreatedAt = now
	t.UpdatedAt = now
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.NamedExec(`
		INSERT INTO tests (id, tenant_id, name, base_url, kind, enabled, disabled_reason,
			disabled_until_ts, interval_seconds, timeout_seconds, jitter_seconds,
			down_after_failures, up_after_successes, notify_on_recovery, dispatch_on_failure,
			source_path, source_sha256, source_size, created_at_ts, updated_at_ts)
		VALUES (:id, :tenant_id, :name, :base_url, :kind, :enabled, :disabled_reason,
			:disabled_until_ts, :interval_seconds, :timeout_seconds, :jitter_seconds,
			:down_after_failures, :up_after_successes, :notify_on_recovery, :dispatch_on_failure,
			:source_path, :source_sha256, :source_size, :created_at_ts, :updated_at_ts)`, t)
	if err != nil {
		return fmt.Errorf("unable to insert test: %v", err)
	}
	firstDue := now + rand.Float64()*float64(t.IntervalSeconds)
	if _, err = tx.Exec(`INSERT INTO test_states (test_id, next_due_ts) VALUES (?, ?)`,
		t.ID, firstDue); err != nil {
		return fmt.Errorf("unable to insert test state: %v", err)
	}
	return tx.Commit()
}

// GetTest fetches one test scoped to a tenant.
func (s *Store) GetTest(tenantID, id string) (*Test, error) {
	var t Test
	err := s.db.Get(&t, `SELECT * FROM tests WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &t, err
}

// GetTestAny fetches a test without tenant scoping; used by the scheduler
// and runner, which operate across tenants.
func (s *Store) GetTestAny(id string) (*Test, error) {
	var t Test
	err := s.db.Get(&t, `SELECT * FROM tests WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &t, err
}

// ListTests returns a tenant's tests, newest first, with their states.
func (s *Store) ListTests(tenantID string, f ListFilter) ([]TestWithState, error) {
	q := `SELECT * FROM tests WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if f.Enabled != nil {
		q += ` AND enabled = ?`
		args = append(args, *f.Enabled)
	}
	if f.BaseURLContains != "" {
		q += ` AND base_url LIKE ?`
		args = append(args, "%"+f.BaseURLContains+"%")
	}
	q += ` ORDER BY created_at_ts DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	var tests []Test
	if err := s.db.Select(&tests, q, args...); err != nil {
		return nil, err
	}
	out := make([]TestWithState, 0, len(tests))
	for i := range tests {
		st, err := s.GetTestState(tests[i].ID)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		out = append(out, TestWithState{Test: tests[i], State: st})
	}
	return out, nil
}

// UpdateTestMeta applies a partial metadata update. The caller is expected to
// have validated the patch already.
func (s *Store) UpdateTestMeta(tenantID, id string, p TestPatch) (*Test, error) {
	t, err := s.GetTest(tenantID, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.BaseURL != nil {
		t.BaseURL = *p.BaseURL
	}
	if p.IntervalSeconds != nil {
		t.IntervalSeconds = *p.IntervalSeconds
	}
	if p.TimeoutSeconds != nil {
		t.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.JitterSeconds != nil {
		t.JitterSeconds = *p.JitterSeconds
	}
	if p.DownAfterFailures != nil {
		t.DownAfterFailures = *p.DownAfterFailures
	}
	if p.UpAfterSuccesses != nil {
		t.UpAfterSuccesses = *p.UpAfterSuccesses
	}
	if p.NotifyOnRecovery != nil {
		t.NotifyOnRecovery = *p.NotifyOnRecovery
	}
	if p.DispatchOnFailure != nil {
		t.DispatchOnFailure = *p.DispatchOnFailure
	}
	t.UpdatedAt = nowTs()
	_, err = s.db.NamedExec(`
		UPDATE tests SET name = :name, base_url = :base_url,
			interval_seconds = :interval_seconds, timeout_seconds = :timeout_seconds,
			jitter_seconds = :jitter_seconds, down_after_failures = :down_after_failures,
			up_after_successes = :up_after_successes, notify_on_recovery = :notify_on_recovery,
			dispatch_on_failure = :dispatch_on_failure, updated_at_ts = :updated_at_ts
		WHERE id = :id AND tenant_id = :tenant_id`, t)
	if err != nil {
		return nil, fmt.Errorf("unable to update test: %v", err)
	}
	return t, nil
}

// ReplaceSource points a test at a newly written source blob. The previous
// blob stays on disk until retention removes it, so an in-flight run keeps a
// consistent view.
func (s *Store) ReplaceSource(tenantID, id, sourcePath, sha256hex string, size int64) (*Test, error) {
	res, err := s.db.Exec(`
		UPDATE tests SET source_path = ?, source_sha256 = ?, source_size = ?, updated_at_ts = ?
		WHERE id = ? AND tenant_id = ?`,
		sourcePath, sha256hex, size, nowTs(), id, tenantID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTest(tenantID, id)
}

// SetTestEnabled flips a test on or off. A non-zero untilTs arms a temporary
// window after which the scheduler resumes on its own.
func (s *Store) SetTestEnabled(tenantID, id string, enabled bool, reason string, untilTs float64) (*Test, error) {
	if enabled {
		reason = ""
		untilTs = 0
	}
	res, err := s.db.Exec(`
		UPDATE tests SET enabled = ?, disabled_reason = ?, disabled_until_ts = ?, updated_at_ts = ?
		WHERE id = ? AND tenant_id = ?`,
		enabled || untilTs > 0, reason, untilTs, nowTs(), id, tenantID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTest(tenantID, id)
}

// DeleteTest removes a test and everything cascaded from it. Artifact and
// source blobs are left for retention to sweep.
func (s *Store) DeleteTest(tenantID, id string) error {
	res, err := s.db.Exec(`DELETE FROM tests WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- state ---

// GetTestState reads the debounce block for a test.
func (s *Store) GetTestState(testID string) (*TestState, error) {
	var st TestState
	err := s.db.Get(&st, `SELECT * FROM test_states WHERE test_id = ?`, testID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &st, err
}

// SaveTestState writes the debounce block back, leaving next_due_ts alone.
func (s *Store) SaveTestState(testID string, st health.State) error {
	_, err := s.db.Exec(`
		UPDATE test_states SET effective_ok = ?, fail_streak = ?, success_streak = ?,
			last_ok_ts = ?, last_fail_ts = ?, last_infra_ts = ?, last_alert_ts = ?
		WHERE test_id = ?`,
		st.EffectiveOK, st.FailStreak, st.SuccessStreak,
		st.LastOKTs, st.LastFailTs, st.LastInfraTs, st.LastAlertTs, testID)
	return err
}

// SetNextDue moves the scheduling cursor for a test.
func (s *Store) SetNextDue(testID string, nextDueTs float64) error {
	_, err := s.db.Exec(`UPDATE test_states SET next_due_ts = ? WHERE test_id = ?`, nextDueTs, testID)
	return err
}

// --- queue ---

// DueTest pairs a test with its state for the scheduler's due scan.
type DueTest struct {
	Test  Test
	State TestState
}

// DueTests returns enabled tests whose cursor has passed and which have no
// open queue entry, oldest cursor first.
func (s *Store) DueTests(ts float64, limit int) ([]DueTest, error) {
	var tests []Test
	err := s.db.Select(&tests, `
		SELECT tests.* FROM tests
		JOIN test_states ON test_states.test_id = tests.id
		WHERE tests.enabled = 1
		  AND tests.disabled_until_ts <= ?
		  AND test_states.next_due_ts <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM run_queue
		      WHERE run_queue.test_id = tests.id AND run_queue.status IN ('queued', 'leased'))
		ORDER BY test_states.next_due_ts
		LIMIT ?`, ts, ts, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DueTest, 0, len(tests))
	for i := range tests {
		st, err := s.GetTestState(tests[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, DueTest{Test: tests[i], State: *st})
	}
	return out, nil
}

// Enqueue adds a durable run job unless a queued entry already exists for the
// test, so repeated triggers coalesce.
func (s *Store) Enqueue(testID string, dueTs float64) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO run_queue (test_id, due_ts, status)
		SELECT ?, ?, 'queued'
		WHERE NOT EXISTS (SELECT 1 FROM run_queue WHERE test_id = ? AND status = 'queued')`,
		testID, dueTs, testID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Claim leases the oldest queued entry for a worker. It returns nil when the
// queue is idle. A test with a live lease is never claimed again, so at most
// one worker runs a given test at a time even when a manual trigger queued a
// follow-up entry. The lease expires at leaseUntilTs if the worker dies.
func (s *Store) Claim(workerID string, nowTs, leaseUntilTs float64) (*QueueEntry, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var e QueueEntry
	err = tx.Get(&e, `
		SELECT q.* FROM run_queue q WHERE q.status = 'queued' AND q.due_ts <= ?
		AND NOT EXISTS (SELECT 1 FROM run_queue l WHERE l.test_id = q.test_id AND l.status = 'leased')
		ORDER BY q.due_ts LIMIT 1`, nowTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(`
		UPDATE run_queue SET status = 'leased', leased_by = ?, leased_until_ts = ?, attempt = attempt + 1
		WHERE id = ? AND status = 'queued'`, workerID, leaseUntilTs, e.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Status = QueueStatusLeased
	e.LeasedBy = workerID
	e.LeasedUntilTs = leaseUntilTs
	e.Attempt++
	return &e, nil
}

// Complete retires a leased entry. Done entries are deleted outright; the
// run row is the durable record.
func (s *Store) Complete(entryID int64) error {
	_, err := s.db.Exec(`DELETE FROM run_queue WHERE id = ?`, entryID)
	return err
}

// ExpireLeases retires entries whose lease has lapsed and returns the
// affected test ids so the caller can record synthetic infra runs.
func (s *Store) ExpireLeases(ts float64) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids, `
		SELECT test_id FROM run_queue WHERE status = 'leased' AND leased_until_ts <= ?`, ts)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.Exec(`DELETE FROM run_queue WHERE status = 'leased' AND leased_until_ts <= ?`, ts)
	if err != nil {
		return nil, err
	}
	log.Warnf("Expired %d abandoned run leases", len(ids))
	return ids, nil
}

// InflightCounts returns open queue entries per tenant, for concurrency caps.
func (s *Store) InflightCounts() (total int, perTenant map[string]int, err error) {
	rows := []struct {
		TenantID string `db:"tenant_id"`
		N        int    `db:"n"`
	}{}
	err = s.db.Select(&rows, `
		SELECT tests.tenant_id AS tenant_id, COUNT(*) AS n FROM run_queue
		JOIN tests ON tests.id = run_queue.test_id
		WHERE run_queue.status IN ('queued', 'leased')
		GROUP BY tests.tenant_id`)
	if err != nil {
		return 0, nil, err
	}
	perTenant = map[string]int{}
	for _, r := range rows {
		perTenant[r.TenantID] = r.N
		total += r.N
	}
	return total, perTenant, nil
}

// --- runs ---

// InsertRun records a terminal run.
func (s *Store) InsertRun(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO runs (id, test_id, scheduled_for_ts, started_at_ts, finished_at_ts,
			status, elapsed_ms, error_kind, error_message, final_url, page_title, artifacts_json)
		VALUES (:id, :test_id, :scheduled_for_ts, :started_at_ts, :finished_at_ts,
			:status, :elapsed_ms, :error_kind, :error_message, :final_url, :page_title, :artifacts_json)`, r)
	if err != nil {
		return fmt.Errorf("unable to insert run: %v", err)
	}
	return nil
}

// GetRun fetches one run scoped to a tenant via its test.
func (s *Store) GetRun(tenantID, runID string) (*Run, error) {
	var r Run
	err := s.db.Get(&r, `
		SELECT runs.* FROM runs
		JOIN tests ON tests.id = runs.test_id
		WHERE runs.id = ? AND tests.tenant_id = ?`, runID, tenantID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &r, err
}

// ListRuns returns a test's runs, newest first.
func (s *Store) ListRuns(tenantID, testID string, limit int) ([]Run, error) {
	if _, err := s.GetTest(tenantID, testID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Run
	err := s.db.Select(&out, `
		SELECT * FROM runs WHERE test_id = ? ORDER BY finished_at_ts DESC LIMIT ?`, testID, limit)
	return out, err
}

// LatestRun returns the most recent run for a test, or nil.
func (s *Store) LatestRun(testID string) (*Run, error) {
	var r Run
	err := s.db.Get(&r, `
		SELECT * FROM runs WHERE test_id = ? ORDER BY finished_at_ts DESC LIMIT 1`, testID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

// StatusSummary assembles the admin fleet view.
func (s *Store) StatusSummary() (*Summary, error) {
	var rows []SummaryRow
	err := s.db.Select(&rows, `
		SELECT tests.id AS test_id, tests.tenant_id, tests.name AS test_name,
			tests.base_url, tests.enabled,
			test_states.effective_ok, test_states.fail_streak, test_states.last_ok_ts
		FROM tests JOIN test_states ON test_states.test_id = tests.id
		ORDER BY tests.tenant_id, tests.name`)
	if err != nil {
		return nil, err
	}
	sum := &Summary{TestsTotal: len(rows), Tests: rows, LastRunPerTenant: map[string]TenantLastRun{}}
	for i := range sum.Tests {
		r := &sum.Tests[i]
		last, err := s.LatestRun(r.TestID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			r.LastStatus = last.Status
			r.LastElapsedMs = last.ElapsedMs
			r.LastFinishedTs = last.FinishedAtTs
			if cur, ok := sum.LastRunPerTenant[r.TenantID]; !ok || last.FinishedAtTs > cur.FinishedTs {
				sum.LastRunPerTenant[r.TenantID] = TenantLastRun{
					TestID: r.TestID, TestName: r.TestName,
					Status: last.Status, FinishedTs: last.FinishedAtTs,
				}
			}
		}
		if r.EffectiveOK == string(health.StateDown) {
			sum.Failing++
		}
	}
	// Slowest five passing tests, for the heartbeat digest.
	for _, r := range sum.Tests {
		if r.LastStatus == health.StatusPass {
			sum.Slowest = append(sum.Slowest, r)
		}
	}
	for i := 0; i < len(sum.Slowest); i++ {
		for j := i + 1; j < len(sum.Slowest); j++ {
			if sum.Slowest[j].LastElapsedMs > sum.Slowest[i].LastElapsedMs {
				sum.Slowest[i], sum.Slowest[j] = sum.Slowest[j], sum.Slowest[i]
			}
		}
	}
	if len(sum.Slowest) > 5 {
		sum.Slowest = sum.Slowest[:5]
	}
	return sum, nil
}

// --- domain states ---

// GetDomainState reads the debounce block for a monitored domain probe.
// Unknown keys start from a fresh state.
func (s *Store) GetDomainState(key string) (health.State, error) {
	var row struct {
		Key string `db:"key"`
		health.State
	}
	err := s.db.Get(&row, `SELECT * FROM domain_states WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return health.NewState(), nil
	}
	if err != nil {
		return health.NewState(), err
	}
	return row.State, nil
}

// SaveDomainState upserts the debounce block for a domain probe.
func (s *Store) SaveDomainState(key string, st health.State) error {
	_, err := s.db.Exec(`
		INSERT INTO domain_states (key, effective_ok, fail_streak, success_streak,
			last_ok_ts, last_fail_ts, last_infra_ts, last_alert_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET effective_ok = excluded.effective_ok,
			fail_streak = excluded.fail_streak, success_streak = excluded.success_streak,
			last_ok_ts = excluded.last_ok_ts, last_fail_ts = excluded.last_fail_ts,
			last_infra_ts = excluded.last_infra_ts, last_alert_ts = excluded.last_alert_ts`,
		key, st.EffectiveOK, st.FailStreak, st.SuccessStreak,
		st.LastOKTs, st.LastFailTs, st.LastInfraTs, st.LastAlertTs)
	return err
}

// --- dispatch log ---

// InsertDispatchRun appends an escalation record.
func (s *Store) InsertDispatchRun(d *DispatchRun) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = nowTs()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO dispatch_runs (id, created_at_ts, state_key, bundle, ui_url,
			queue_state, agent_message, error_message)
		VALUES (:id, :created_at_ts, :state_key, :bundle, :ui_url,
			:queue_state, :agent_message, :error_message)`, d)
	return err
}

// ListDispatchRuns returns recent escalations, newest first.
func (s *Store) ListDispatchRuns(limit int) ([]DispatchRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []DispatchRun
	err := s.db.Select(&out, `
		SELECT * FROM dispatch_runs ORDER BY created_at_ts DESC LIMIT ?`, limit)
	return out, err
}

// --- retention ---

// PruneRuns deletes run rows older than beforeTs and reports how many went.
func (s *Store) PruneRuns(beforeTs float64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE finished_at_ts < ?`, beforeTs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarshalArtifacts encodes an artifact name map for storage on a run row.
func MarshalArtifacts(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}
