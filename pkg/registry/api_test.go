// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/e2e-sentinel/pkg/config"
)

type apiFixture struct {
	store  *Store
	api    *API
	server *httptest.Server
	token  string
	tenant *Tenant
}

func newAPIFixture(t *testing.T) *apiFixture {
	config.Sentinel.Set("registry.admin_token", "admin-secret")
	config.Sentinel.Set("registry.monitor_token", "monitor-secret")
	config.Sentinel.Set("registry.rate_limit_per_second", 1000)
	config.Sentinel.Set("registry.rate_limit_burst", 1000)

	store := newTestStore(t)
	api := NewAPI(store)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	tenant, err := store.CreateTenant("acme")
	require.NoError(t, err)
	token := NewToken()
	_, err = store.CreateAPIKey(tenant.ID, "ci", HashToken(token))
	require.NoError(t, err)

	return &apiFixture{store: store, api: api, server: server, token: token, tenant: tenant}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body []byte, contentType string) *http.Response {
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func multipartCreate(t *testing.T, meta map[string]interface{}, filename, source string) ([]byte, string) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("metadata", string(metaJSON)))
	fw, err := w.CreateFormFile("source", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(source))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func validMeta() map[string]interface{} {
	return map[string]interface{}{
		"name":                "checkout",
		"base_url":            "https://app.example.com",
		"kind":                "script_python",
		"interval_seconds":    300,
		"timeout_seconds":     60,
		"jitter_seconds":      30,
		"down_after_failures": 2,
		"up_after_successes":  1,
	}
}

func (f *apiFixture) createTest(t *testing.T) *Test {
	body, ct := multipartCreate(t, validMeta(), "checkout.py", "async def run(page): pass\n")
	resp := f.do(t, "POST", "/api/v1/tests", f.token, body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tt Test
	decodeBody(t, resp, &tt)
	return &tt
}

func TestHealthzIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "GET", "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/v1/tests", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/tests", "not-a-real-token", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var out map[string]apiError
	decodeBody(t, resp, &out)
	assert.Equal(t, CodeUnauthorized, out["error"].Code)
}

func TestCreateAndGetTest(t *testing.T) {
	f := newAPIFixture(t)
	tt := f.createTest(t)
	assert.Equal(t, f.tenant.ID, tt.TenantID)
	assert.NotEmpty(t, tt.SourceSHA256)
	assert.True(t, tt.Enabled)

	resp := f.do(t, "GET", "/api/v1/tests/"+tt.ID, f.token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got TestWithState
	decodeBody(t, resp, &got)
	assert.Equal(t, tt.ID, got.ID)
	require.NotNil(t, got.State)
	assert.Equal(t, "unknown", string(got.State.EffectiveOK))
}

func TestCreateTestViaUploadPath(t *testing.T) {
	f := newAPIFixture(t)
	body, ct := multipartCreate(t, validMeta(), "checkout.py", "async def run(page): pass\n")
	resp := f.do(t, "POST", "/api/v1/tests/upload", f.token, body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tt Test
	decodeBody(t, resp, &tt)
	assert.NotEmpty(t, tt.SourceSHA256)
}

func TestReplaceSourceViaPost(t *testing.T) {
	f := newAPIFixture(t)
	tt := f.createTest(t)

	body, ct := multipartCreate(t, nil, "checkout.py", "async def run(page): await page.goto(base_url)\n")
	resp := f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/source", f.token, body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated Test
	decodeBody(t, resp, &updated)
	assert.NotEqual(t, tt.SourceSHA256, updated.SourceSHA256)
}

func TestCreateTestValidation(t *testing.T) {
	f := newAPIFixture(t)

	meta := validMeta()
	meta["interval_seconds"] = 30 // below the floor
	meta["base_url"] = "ftp://nope"
	body, ct := multipartCreate(t, meta, "checkout.py", "x = 1\n")
	resp := f.do(t, "POST", "/api/v1/tests", f.token, body, ct)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]apiError
	decodeBody(t, resp, &out)
	assert.Equal(t, CodeInvalidRequest, out["error"].Code)
	assert.Contains(t, out["error"].Details, "interval_seconds")
	assert.Contains(t, out["error"].Details, "base_url")
}

func TestCreateTestRejectsWrongExtension(t *testing.T) {
	f := newAPIFixture(t)
	body, ct := multipartCreate(t, validMeta(), "checkout.sh", "echo hi\n")
	resp := f.do(t, "POST", "/api/v1/tests", f.token, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTenantIsolationReadsAsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	tt := f.createTest(t)

	rival, err := f.store.CreateTenant("rival")
	require.NoError(t, err)
	rivalToken := NewToken()
	_, err = f.store.CreateAPIKey(rival.ID, "ci", HashToken(rivalToken))
	require.NoError(t, err)

	resp := f.do(t, "GET", "/api/v1/tests/"+tt.ID, rivalToken, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, "DELETE", "/api/v1/tests/"+tt.ID, rivalToken, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// still there for the owner
	resp = f.do(t, "GET", "/api/v1/tests/"+tt.ID, f.token, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPatchTest(t *testing.T) {
	f := newAPIFixture(t)
	tt := f.createTest(t)

	resp := f.do(t, "PATCH", "/api/v1/tests/"+tt.ID, f.token,
		[]byte(`{"interval_seconds": 600, "down_after_failures": 3}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Test
	decodeBody(t, resp, &got)
	assert.Equal(t, 600, got.IntervalSeconds)
	assert.Equal(t, 3, got.DownAfterFailures)
	assert.Equal(t, tt.Name, got.Name)

	// invalid patches are rejected whole
	resp = f.do(t, "PATCH", "/api/v1/tests/"+tt.ID, f.token,
		[]byte(`{"timeout_seconds": 9999}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDisableEnableCycle(t *testing.T) {
	f := newAPIFixture(t)
	tt := f.createTest(t)

	resp := f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/disable", f.token,
		[]byte(`{"reason":"deploy","duration_seconds":600}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Test
	decodeBody(t, resp, &got)
	assert.Equal(t, "deploy", got.DisabledReason)
	assert.Greater(t, got.DisabledUntilTs, 0.0)

	resp = f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/enable", f.token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// fresh struct: omitempty drops the cleared field from the response
	var enabled Test
	decodeBody(t, resp, &enabled)
	assert.True(t, enabled.Enabled)
	assert.Zero(t, enabled.DisabledUntilTs)

	// an absolute until_ts is taken as-is
	until := float64(time.Now().UnixNano())/1e9 + 900
	resp = f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/disable", f.token,
		[]byte(fmt.Sprintf(`{"reason":"migration","until_ts":%0.f}`, until)), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var timed Test
	decodeBody(t, resp, &timed)
	assert.InDelta(t, until, timed.DisabledUntilTs, 1)

	// a past until_ts is rejected
	resp = f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/disable", f.token,
		[]byte(`{"reason":"oops","until_ts":1000}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerRunCoalesces(t *testing.T) {
	f := newAPIFixture(t)
	tt := f.createTest(t)

	resp := f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/run", f.token, nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]bool
	decodeBody(t, resp, &out)
	assert.True(t, out["queued"])

	resp = f.do(t, "POST", "/api/v1/tests/"+tt.ID+"/run", f.token, nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeBody(t, resp, &out)
	assert.False(t, out["queued"])
}

func TestAdminEndpointsRequireAdminToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/v1/admin/tenants", f.token, nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/admin/tenants", "admin-secret", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminTenantAndKeyFlow(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/api/v1/admin/tenants", "admin-secret",
		[]byte(`{"name":"globex"}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tenant Tenant
	decodeBody(t, resp, &tenant)

	resp = f.do(t, "POST", fmt.Sprintf("/api/v1/admin/tenants/%s/apikeys", tenant.ID),
		"admin-secret", []byte(`{"name":"ci"}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var keyOut struct {
		Key   APIKey `json:"key"`
		Token string `json:"token"`
	}
	decodeBody(t, resp, &keyOut)
	require.NotEmpty(t, keyOut.Token)

	// the minted token works as tenant credentials
	resp = f.do(t, "GET", "/api/v1/tests", keyOut.Token, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "DELETE",
		fmt.Sprintf("/api/v1/admin/tenants/%s/apikeys/%s", tenant.ID, keyOut.Key.ID),
		"admin-secret", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, "GET", "/api/v1/tests", keyOut.Token, nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMonitorTokenReadsStatusOnly(t *testing.T) {
	f := newAPIFixture(t)
	f.createTest(t)

	resp := f.do(t, "GET", "/api/v1/admin/status", "monitor-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum Summary
	decodeBody(t, resp, &sum)
	assert.Equal(t, 1, sum.TestsTotal)

	// same summary under the legacy path
	resp = f.do(t, "GET", "/api/v1/status/summary", "monitor-secret", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// monitor scope does not include tenant administration
	resp = f.do(t, "GET", "/api/v1/admin/tenants", "monitor-secret", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitReturns429(t *testing.T) {
	config.Sentinel.Set("registry.admin_token", "admin-secret")
	config.Sentinel.Set("registry.monitor_token", "monitor-secret")
	config.Sentinel.Set("registry.rate_limit_per_second", 1)
	config.Sentinel.Set("registry.rate_limit_burst", 2)
	defer config.Sentinel.Set("registry.rate_limit_per_second", 1000)
	defer config.Sentinel.Set("registry.rate_limit_burst", 1000)

	store := newTestStore(t)
	api := NewAPI(store)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	var last int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(server.URL + "/api/v1/tests")
		require.NoError(t, err)
		last = resp.StatusCode
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
