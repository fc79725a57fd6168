// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package domain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchai/e2e-sentinel/pkg/alerts"
	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
domains:
  - name: example.com
    url: https://example.com
    browser_check: true
    expect_text: Welcome
  - name: api.example.com
    url: https://api.example.com/healthz
    timeout_seconds: 5
    down_after_failures: 3
`))
	require.NoError(t, err)
	require.Len(t, cfg.Domains, 2)
	assert.Equal(t, 20, cfg.Domains[0].TimeoutSeconds)
	assert.Equal(t, 2, cfg.Domains[0].DownAfterFailures)
	assert.Equal(t, 1, cfg.Domains[0].UpAfterSuccesses)
	assert.Equal(t, 5, cfg.Domains[1].TimeoutSeconds)
	assert.Equal(t, 3, cfg.Domains[1].DownAfterFailures)
}

func TestParseConfigRejectsBadDocs(t *testing.T) {
	cases := map[string]string{
		"missing name":  "domains:\n  - url: https://x.example.com\n",
		"bad url":       "domains:\n  - name: a\n    url: not-a-url\n",
		"ftp url":       "domains:\n  - name: a\n    url: ftp://x\n",
		"duplicate":     "domains:\n  - name: a\n    url: https://a.example.com\n  - name: a\n    url: https://b.example.com\n",
		"unknown field": "domains:\n  - name: a\n    url: https://a.example.com\n    tipo: x\n",
		"bad disable":   "domains:\n  - name: a\n    url: https://a.example.com\n    disabled_until: tomorrow\n",
	}
	for label, doc := range cases {
		_, err := ParseConfig([]byte(doc))
		assert.Error(t, err, label)
	}
}

func TestParseConfigDisabledUntil(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
domains:
  - name: a
    url: https://a.example.com
    disabled_until: "2030-01-01T00:00:00Z"
`))
	require.NoError(t, err)
	d := cfg.Domains[0]
	assert.True(t, d.Disabled(time.Date(2029, 12, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, d.Disabled(time.Date(2030, 1, 1, 0, 0, 1, 0, time.UTC)))
}

func httpDomain(url string) Domain {
	return Domain{
		Name: "example.com", URL: url,
		TimeoutSeconds: 5, DownAfterFailures: 2, UpAfterSuccesses: 1,
	}
}

func TestHTTPProbePass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>Welcome to example</html>")
	}))
	defer srv.Close()

	d := httpDomain(srv.URL)
	d.ExpectText = "Welcome"
	res := NewHTTPProbe().Check(context.Background(), d)
	assert.Equal(t, health.StatusPass, res.Status)
}

func TestHTTPProbeFailStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := NewHTTPProbe().Check(context.Background(), httpDomain(srv.URL))
	assert.Equal(t, health.StatusFail, res.Status)
	assert.Contains(t, res.Detail, "502")
}

func TestHTTPProbeForbiddenTextBeatsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Welcome — we are down for maintenance")
	}))
	defer srv.Close()

	d := httpDomain(srv.URL)
	d.ExpectText = "Welcome"
	d.ForbiddenText = "maintenance"
	res := NewHTTPProbe().Check(context.Background(), d)
	assert.Equal(t, health.StatusFail, res.Status)
	assert.Contains(t, res.Detail, "forbidden")
}

func TestHTTPProbeMissingExpectedText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>totally different page</html>")
	}))
	defer srv.Close()

	d := httpDomain(srv.URL)
	d.ExpectText = "Welcome"
	res := NewHTTPProbe().Check(context.Background(), d)
	assert.Equal(t, health.StatusFail, res.Status)
}

func TestHTTPProbeExpectedTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title> Example Portal </title></head><body>hi</body></html>")
	}))
	defer srv.Close()

	d := httpDomain(srv.URL)
	d.ExpectTitle = "Example Portal"
	res := NewHTTPProbe().Check(context.Background(), d)
	assert.Equal(t, health.StatusPass, res.Status)

	d.ExpectTitle = "Other Site"
	res = NewHTTPProbe().Check(context.Background(), d)
	assert.Equal(t, health.StatusFail, res.Status)
	assert.Contains(t, res.Detail, "title")
}

func TestHTTPProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer srv.Close()

	d := httpDomain(srv.URL)
	d.TimeoutSeconds = 1
	res := NewHTTPProbe().Check(context.Background(), d)
	assert.Equal(t, health.StatusTimeout, res.Status)
}

type scriptedProbe struct {
	name    string
	results []Result
	calls   int
}

func (p *scriptedProbe) Name() string { return p.name }
func (p *scriptedProbe) Check(ctx context.Context, d Domain) Result {
	r := p.results[p.calls%len(p.results)]
	p.calls++
	return r
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Send(ctx context.Context, text string) error {
	r.messages = append(r.messages, text)
	return nil
}

func monitorFixture(t *testing.T, probe Probe, doms ...Domain) (*Monitor, *recordingNotifier) {
	store, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	n := &recordingNotifier{}
	m := NewMonitor(store, alerts.NewManager(n), nil, []Probe{probe}, &Config{Domains: doms}, time.Minute)
	return m, n
}

func TestMonitorDebouncedDownAndRecovery(t *testing.T) {
	probe := &scriptedProbe{name: "http", results: []Result{
		{Status: health.StatusPass},
		{Status: health.StatusFail, Detail: "status 502"},
		{Status: health.StatusFail, Detail: "status 502"},
		{Status: health.StatusPass},
	}}
	d := httpDomain("https://example.com")
	m, n := monitorFixture(t, probe, d)

	ctx := context.Background()
	m.CheckAll(ctx) // pass: unknown -> up, silent
	assert.Empty(t, n.messages)
	m.CheckAll(ctx) // fail 1 of 2
	assert.Empty(t, n.messages)
	m.CheckAll(ctx) // fail 2 of 2 -> DOWN
	require.Len(t, n.messages, 1)
	assert.Contains(t, n.messages[0], "🔴 DOWN: http check for example.com")
	assert.Contains(t, n.messages[0], "status 502")
	m.CheckAll(ctx) // pass -> RECOVERED
	require.Len(t, n.messages, 2)
	assert.Contains(t, n.messages[1], "🟢 RECOVERED")
}

func TestMonitorSkipsBrowserProbeWithoutOptIn(t *testing.T) {
	probe := &scriptedProbe{name: "browser", results: []Result{{Status: health.StatusPass}}}
	d := httpDomain("https://example.com")
	d.BrowserCheck = false
	m, _ := monitorFixture(t, probe, d)
	m.CheckAll(context.Background())
	assert.Zero(t, probe.calls)
}

func TestMonitorSkipsDisabledDomain(t *testing.T) {
	probe := &scriptedProbe{name: "http", results: []Result{{Status: health.StatusPass}}}
	d := httpDomain("https://example.com")
	d.disabledUntil = time.Now().Add(time.Hour)
	m, _ := monitorFixture(t, probe, d)
	m.CheckAll(context.Background())
	assert.Zero(t, probe.calls)
}

func TestHeartbeatDigest(t *testing.T) {
	probe := &scriptedProbe{name: "http", results: []Result{{Status: health.StatusPass, ElapsedMs: 123}}}
	d := httpDomain("https://example.com")
	m, _ := monitorFixture(t, probe, d)

	m.CheckAll(context.Background())
	digest := m.HeartbeatDigest()
	assert.Contains(t, digest, "Domains UP: 1/1")
	assert.Contains(t, digest, "example.com: http 123ms")
}

func TestReloadSwapsDomains(t *testing.T) {
	probe := &scriptedProbe{name: "http", results: []Result{{Status: health.StatusPass}}}
	m, _ := monitorFixture(t, probe, httpDomain("https://example.com"))

	cfg, err := ParseConfig([]byte("domains:\n  - name: b.example.com\n    url: https://b.example.com\n  - name: c.example.com\n    url: https://c.example.com\n"))
	require.NoError(t, err)
	m.Reload(cfg)
	m.CheckAll(context.Background())
	assert.Equal(t, 2, probe.calls)
}
