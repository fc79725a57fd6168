// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/pitchai/e2e-sentinel/pkg/config"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

var (
	apiRequests     = expvar.NewInt("registry_api_requests")
	apiRateLimited  = expvar.NewInt("registry_api_rate_limited")
	apiUnauthorized = expvar.NewInt("registry_api_unauthorized")
)

// API serves the tenant-facing and admin REST surface over the store.
type API struct {
	store *Store
	auth  *authenticator
	srv   *http.Server

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limRate  rate.Limit
	limBurst int
}

// NewAPI builds the REST server from the shared config singleton.
func NewAPI(store *Store) *API {
	a := &API{
		store: store,
		auth: newAuthenticator(store,
			config.Sentinel.GetString("registry.admin_token"),
			config.Sentinel.GetString("registry.monitor_token")),
		limiters: map[string]*rate.Limiter{},
		limRate:  rate.Limit(config.Sentinel.GetFloat64("registry.rate_limit_per_second")),
		limBurst: config.Sentinel.GetInt("registry.rate_limit_burst"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.countMiddleware, a.rateLimitMiddleware)

	v1.HandleFunc("/tests/upload", a.tenantH(a.handleCreateTest)).Methods("POST")
	v1.HandleFunc("/tests", a.tenantH(a.handleCreateTest)).Methods("POST")
	v1.HandleFunc("/tests", a.tenantH(a.handleListTests)).Methods("GET")
	v1.HandleFunc("/tests/{id}", a.tenantH(a.handleGetTest)).Methods("GET")
	v1.HandleFunc("/tests/{id}", a.tenantH(a.handlePatchTest)).Methods("PATCH")
	v1.HandleFunc("/tests/{id}", a.tenantH(a.handleDeleteTest)).Methods("DELETE")
	v1.HandleFunc("/tests/{id}/source", a.tenantH(a.handleReplaceSource)).Methods("POST", "PUT")
	v1.HandleFunc("/tests/{id}/enable", a.tenantH(a.handleEnableTest)).Methods("POST")
	v1.HandleFunc("/tests/{id}/disable", a.tenantH(a.handleDisableTest)).Methods("POST")
	v1.HandleFunc("/tests/{id}/run", a.tenantH(a.handleTriggerRun)).Methods("POST")
	v1.HandleFunc("/tests/{id}/runs", a.tenantH(a.handleListRuns)).Methods("GET")
	v1.HandleFunc("/runs/{id}", a.tenantH(a.handleGetRun)).Methods("GET")
	v1.HandleFunc("/runs/{id}/artifacts/{name}", a.tenantH(a.handleGetArtifact)).Methods("GET")

	v1.HandleFunc("/admin/tenants", a.adminH(a.handleCreateTenant)).Methods("POST")
	v1.HandleFunc("/admin/tenants", a.adminH(a.handleListTenants)).Methods("GET")
	v1.HandleFunc("/admin/tenants/{id}/apikeys", a.adminH(a.handleCreateAPIKey)).Methods("POST")
	v1.HandleFunc("/admin/tenants/{id}/apikeys/{key}", a.adminH(a.handleRevokeAPIKey)).Methods("DELETE")
	v1.HandleFunc("/admin/status", a.monitorH(a.handleAdminStatus)).Methods("GET")
	v1.HandleFunc("/status/summary", a.monitorH(a.handleAdminStatus)).Methods("GET")
	v1.HandleFunc("/admin/dispatches", a.adminH(a.handleListDispatches)).Methods("GET")

	a.srv = &http.Server{
		Addr:         config.Sentinel.GetString("listen_address"),
		Handler:      handlers.CompressHandler(r),
		ReadTimeout:  config.Sentinel.GetDuration("registry.request_timeout"),
		WriteTimeout: config.Sentinel.GetDuration("registry.request_timeout"),
	}
	return a
}

// Start begins serving in a goroutine; failures after startup are logged.
func (a *API) Start() {
	log.Infof("Registry API listening on %s", a.srv.Addr)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_ = log.Errorf("Registry API server stopped: %v", err)
		}
	}()
}

// Stop drains in-flight requests and shuts the listener down.
func (a *API) Stop(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (a *API) Handler() http.Handler {
	return a.srv.Handler
}

func (a *API) countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiRequests.Add(1)
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware throttles per bearer token; anonymous requests share
// one bucket.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := BearerToken(r)
		a.limMu.Lock()
		lim, ok := a.limiters[key]
		if !ok {
			lim = rate.NewLimiter(a.limRate, a.limBurst)
			a.limiters[key] = lim
		}
		a.limMu.Unlock()
		if !lim.Allow() {
			apiRateLimited.Add(1)
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantH wraps a handler that requires tenant credentials.
func (a *API) tenantH(h func(w http.ResponseWriter, r *http.Request, t *Tenant)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := a.auth.tenant(r)
		if err != nil {
			_ = log.Errorf("Auth lookup failed: %v", err)
			writeInternal(w)
			return
		}
		if t == nil {
			apiUnauthorized.Add(1)
			writeUnauthorized(w)
			return
		}
		h(w, r, t)
	}
}

func (a *API) adminH(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.auth.isAdmin(r) {
			apiUnauthorized.Add(1)
			writeUnauthorized(w)
			return
		}
		h(w, r)
	}
}

func (a *API) monitorH(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.auth.isMonitor(r) {
			apiUnauthorized.Add(1)
			writeUnauthorized(w)
			return
		}
		h(w, r)
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- validation ---

func validateSchedule(t *Test) map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(t.Name) == "" {
		problems["name"] = "required"
	}
	if u, err := url.Parse(t.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems["base_url"] = "must be an absolute http(s) URL"
	}
	if !IsValidKind(t.Kind) {
		problems["kind"] = "must be script_python or script_js"
	}
	if t.IntervalSeconds < MinIntervalSeconds || t.IntervalSeconds > MaxIntervalSeconds {
		problems["interval_seconds"] = fmt.Sprintf("must be in [%d, %d]", MinIntervalSeconds, MaxIntervalSeconds)
	}
	if t.TimeoutSeconds < MinTimeoutSeconds || t.TimeoutSeconds > MaxTimeoutSeconds {
		problems["timeout_seconds"] = fmt.Sprintf("must be in [%d, %d]", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if t.JitterSeconds < 0 || t.JitterSeconds > t.IntervalSeconds {
		problems["jitter_seconds"] = "must be in [0, interval_seconds]"
	}
	if t.DownAfterFailures < 1 || t.DownAfterFailures > MaxDebounceCount {
		problems["down_after_failures"] = fmt.Sprintf("must be in [1, %d]", MaxDebounceCount)
	}
	if t.UpAfterSuccesses < 1 || t.UpAfterSuccesses > MaxDebounceCount {
		problems["up_after_successes"] = fmt.Sprintf("must be in [1, %d]", MaxDebounceCount)
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// --- test handlers ---

// createTestRequest is the metadata part of the multipart create payload.
type createTestRequest struct {
	Name              string   `json:"name"`
	BaseURL           string   `json:"base_url"`
	Kind              TestKind `json:"kind"`
	IntervalSeconds   int      `json:"interval_seconds"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
	JitterSeconds     int      `json:"jitter_seconds"`
	DownAfterFailures int      `json:"down_after_failures"`
	UpAfterSuccesses  int      `json:"up_after_successes"`
	NotifyOnRecovery  *bool    `json:"notify_on_recovery"`
	DispatchOnFailure bool     `json:"dispatch_on_failure"`
}

func (a *API) maxSourceBytes() int64 {
	return config.Sentinel.GetInt64("registry.max_source_bytes")
}

func (a *API) handleCreateTest(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	if err := r.ParseMultipartForm(a.maxSourceBytes() + 64*1024); err != nil {
		writeInvalid(w, "expected multipart form with metadata and source parts", nil)
		return
	}
	var req createTestRequest
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &req); err != nil {
		writeInvalid(w, "metadata part is not valid JSON", nil)
		return
	}
	t := &Test{
		TenantID:          tenant.ID,
		Name:              req.Name,
		BaseURL:           req.BaseURL,
		Kind:              req.Kind,
		Enabled:           true,
		IntervalSeconds:   req.IntervalSeconds,
		TimeoutSeconds:    req.TimeoutSeconds,
		JitterSeconds:     req.JitterSeconds,
		DownAfterFailures: req.DownAfterFailures,
		UpAfterSuccesses:  req.UpAfterSuccesses,
		NotifyOnRecovery:  true,
		DispatchOnFailure: req.DispatchOnFailure,
	}
	if req.NotifyOnRecovery != nil {
		t.NotifyOnRecovery = *req.NotifyOnRecovery
	}
	if t.UpAfterSuccesses == 0 {
		t.UpAfterSuccesses = 1
	}
	if t.DownAfterFailures == 0 {
		t.DownAfterFailures = 2
	}
	if problems := validateSchedule(t); problems != nil {
		writeInvalid(w, "invalid test definition", problems)
		return
	}

	file, hdr, err := r.FormFile("source")
	if err != nil {
		writeInvalid(w, "source part is required", nil)
		return
	}
	defer file.Close()
	if ext := SourceExtension(t.Kind); !strings.HasSuffix(hdr.Filename, ext) {
		writeInvalid(w, fmt.Sprintf("source for kind %s must be a %s file", t.Kind, ext), nil)
		return
	}
	// State row is created alongside so the id must exist first; write the
	// blob after the insert and attach it.
	if err := a.store.CreateTest(t); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeInvalid(w, "a test with this name already exists", nil)
			return
		}
		_ = log.Errorf("Create test failed: %v", err)
		writeInternal(w)
		return
	}
	rel, sha, size, err := WriteSourceBlob(a.store.DataDir(), tenant.ID, t.ID,
		SourceExtension(t.Kind), file, a.maxSourceBytes())
	if err != nil {
		_ = a.store.DeleteTest(tenant.ID, t.ID)
		writeInvalid(w, err.Error(), nil)
		return
	}
	t, err = a.store.ReplaceSource(tenant.ID, t.ID, rel, sha, size)
	if err != nil {
		_ = log.Errorf("Attach source failed: %v", err)
		writeInternal(w)
		return
	}
	log.Infof("Tenant %s registered test %q (%s)", tenant.Name, t.Name, t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleListTests(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	f := ListFilter{BaseURLContains: r.URL.Query().Get("base_url")}
	if v := r.URL.Query().Get("enabled"); v != "" {
		b := v == "true" || v == "1"
		f.Enabled = &b
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	tests, err := a.store.ListTests(tenant.ID, f)
	if err != nil {
		_ = log.Errorf("List tests failed: %v", err)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tests": tests})
}

func (a *API) handleGetTest(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	t, err := a.store.GetTest(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	st, err := a.store.GetTestState(t.ID)
	if err != nil && err != ErrNotFound {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, TestWithState{Test: *t, State: st})
}

func (a *API) handlePatchTest(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	var p TestPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeInvalid(w, "body is not valid JSON", nil)
		return
	}
	cur, err := a.store.GetTest(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	probe := *cur
	if p.Name != nil {
		probe.Name = *p.Name
	}
	if p.BaseURL != nil {
		probe.BaseURL = *p.BaseURL
	}
	if p.IntervalSeconds != nil {
		probe.IntervalSeconds = *p.IntervalSeconds
	}
	if p.TimeoutSeconds != nil {
		probe.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.JitterSeconds != nil {
		probe.JitterSeconds = *p.JitterSeconds
	}
	if p.DownAfterFailures != nil {
		probe.DownAfterFailures = *p.DownAfterFailures
	}
	if p.UpAfterSuccesses != nil {
		probe.UpAfterSuccesses = *p.UpAfterSuccesses
	}
	if problems := validateSchedule(&probe); problems != nil {
		writeInvalid(w, "invalid test definition", problems)
		return
	}
	t, err := a.store.UpdateTestMeta(tenant.ID, cur.ID, p)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleDeleteTest(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	err := a.store.DeleteTest(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReplaceSource(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	t, err := a.store.GetTest(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	if err := r.ParseMultipartForm(a.maxSourceBytes() + 64*1024); err != nil {
		writeInvalid(w, "expected multipart form with a source part", nil)
		return
	}
	file, hdr, err := r.FormFile("source")
	if err != nil {
		writeInvalid(w, "source part is required", nil)
		return
	}
	defer file.Close()
	if ext := SourceExtension(t.Kind); !strings.HasSuffix(hdr.Filename, ext) {
		writeInvalid(w, fmt.Sprintf("source for kind %s must be a %s file", t.Kind, ext), nil)
		return
	}
	rel, sha, size, err := WriteSourceBlob(a.store.DataDir(), tenant.ID, t.ID,
		SourceExtension(t.Kind), file, a.maxSourceBytes())
	if err != nil {
		writeInvalid(w, err.Error(), nil)
		return
	}
	t, err = a.store.ReplaceSource(tenant.ID, t.ID, rel, sha, size)
	if err != nil {
		writeInternal(w)
		return
	}
	log.Infof("Tenant %s replaced source of test %q (sha %s)", tenant.Name, t.Name, sha[:12])
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleEnableTest(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	t, err := a.store.SetTestEnabled(tenant.ID, mux.Vars(r)["id"], true, "", 0)
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleDisableTest(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	var body struct {
		Reason          string  `json:"reason"`
		UntilTs         float64 `json:"until_ts"`
		DurationSeconds float64 `json:"duration_seconds"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeInvalid(w, "body is not valid JSON", nil)
			return
		}
	}
	if body.DurationSeconds < 0 {
		writeInvalid(w, "duration_seconds must be non-negative", nil)
		return
	}
	now := float64(time.Now().UnixNano()) / 1e9
	untilTs := body.UntilTs
	if untilTs == 0 && body.DurationSeconds > 0 {
		untilTs = now + body.DurationSeconds
	}
	if untilTs != 0 && untilTs <= now {
		writeInvalid(w, "until_ts must be in the future", nil)
		return
	}
	t, err := a.store.SetTestEnabled(tenant.ID, mux.Vars(r)["id"], false, body.Reason, untilTs)
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	t, err := a.store.GetTest(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	queued, err := a.store.Enqueue(t.ID, float64(time.Now().UnixNano())/1e9)
	if err != nil {
		_ = log.Errorf("Trigger run failed for test %s: %v", t.ID, err)
		writeError(w, http.StatusServiceUnavailable, CodeRunnerUnavailable, "unable to queue run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": queued})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.store.ListRuns(tenant.ID, mux.Vars(r)["id"], limit)
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	run, err := a.store.GetRun(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	out := map[string]interface{}{"run": run, "artifacts": run.Artifacts()}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request, tenant *Tenant) {
	run, err := a.store.GetRun(tenant.ID, mux.Vars(r)["id"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	name := mux.Vars(r)["name"]
	rel, ok := run.Artifacts()[name]
	if !ok {
		writeNotFound(w)
		return
	}
	// Artifact paths are stored relative to the data dir; refuse anything
	// that escapes it.
	clean := filepath.Clean(rel)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		writeNotFound(w)
		return
	}
	http.ServeFile(w, r, filepath.Join(a.store.DataDir(), clean))
}

// --- admin handlers ---

func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeInvalid(w, "name is required", nil)
		return
	}
	t, err := a.store.CreateTenant(body.Name)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeInvalid(w, "a tenant with this name already exists", nil)
			return
		}
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.store.ListTenants()
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeInvalid(w, "name is required", nil)
		return
	}
	token := NewToken()
	k, err := a.store.CreateAPIKey(mux.Vars(r)["id"], body.Name, HashToken(token))
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	// The raw token is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]interface{}{"key": k, "token": token})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	err := a.store.RevokeAPIKey(mux.Vars(r)["id"], mux.Vars(r)["key"])
	if err == ErrNotFound {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := a.store.StatusSummary()
	if err != nil {
		_ = log.Errorf("Status summary failed: %v", err)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := a.store.ListDispatchRuns(limit)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dispatches": out})
}
