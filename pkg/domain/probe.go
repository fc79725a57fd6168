// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package domain

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	"github.com/pitchai/e2e-sentinel/pkg/runner"
)

// Result is one probe observation.
type Result struct {
	Status    health.Status
	Detail    string
	ElapsedMs float64
}

// Probe checks one aspect of a domain.
type Probe interface {
	Name() string
	Check(ctx context.Context, d Domain) Result
}

// HTTPProbe fetches the domain URL and inspects status and body text.
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe builds the plain HTTP prober.
func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{client: &http.Client{}}
}

// Name implements Probe.
func (p *HTTPProbe) Name() string { return "http" }

// Check implements Probe. Any 2xx/3xx answer passes unless the body carries
// forbidden text or misses expected text.
func (p *HTTPProbe) Check(ctx context.Context, d Domain) Result {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(d.TimeoutSeconds)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		return Result{Status: health.StatusFail, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", "e2e-sentinel/1.0 (+https://www.pitchai.net)")

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return Result{Status: health.StatusTimeout,
				Detail: fmt.Sprintf("no answer within %ds", d.TimeoutSeconds), ElapsedMs: elapsed}
		}
		return Result{Status: health.StatusFail, Detail: err.Error(), ElapsedMs: elapsed}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return Result{Status: health.StatusFail,
			Detail: fmt.Sprintf("status %d", resp.StatusCode), ElapsedMs: elapsed}
	}
	text := string(body)
	if d.ForbiddenText != "" && strings.Contains(text, d.ForbiddenText) {
		return Result{Status: health.StatusFail,
			Detail: fmt.Sprintf("page contains forbidden text %q", d.ForbiddenText), ElapsedMs: elapsed}
	}
	if d.ExpectText != "" && !strings.Contains(text, d.ExpectText) {
		return Result{Status: health.StatusFail,
			Detail: fmt.Sprintf("page is missing expected text %q", d.ExpectText), ElapsedMs: elapsed}
	}
	if d.ExpectTitle != "" && !strings.Contains(pageTitle(text), d.ExpectTitle) {
		return Result{Status: health.StatusFail,
			Detail: fmt.Sprintf("page title is missing %q", d.ExpectTitle), ElapsedMs: elapsed}
	}
	return Result{Status: health.StatusPass, ElapsedMs: elapsed}
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func pageTitle(body string) string {
	m := titleRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// BrowserProbe loads the domain in a headless browser via the same sandbox
// child protocol the test runner uses, which catches broken frontends that
// still answer 200 to plain HTTP.
type BrowserProbe struct {
	sandbox    *runner.Sandbox
	scriptPath string
}

// NewBrowserProbe runs the generic page-load script through the sandbox.
func NewBrowserProbe(sandbox *runner.Sandbox, scriptPath string) *BrowserProbe {
	return &BrowserProbe{sandbox: sandbox, scriptPath: scriptPath}
}

// Name implements Probe.
func (p *BrowserProbe) Name() string { return "browser" }

// Check implements Probe.
func (p *BrowserProbe) Check(ctx context.Context, d Domain) Result {
	if p.sandbox == nil || p.scriptPath == "" {
		return Result{Status: health.StatusInfraDegraded, Detail: "browser probe not configured"}
	}
	synthetic := &registry.Test{
		ID:             "domain:" + d.Name,
		Name:           d.Name,
		BaseURL:        d.URL,
		Kind:           registry.KindScriptPython,
		TimeoutSeconds: d.TimeoutSeconds,
	}
	scratch, err := os.MkdirTemp("", "domain-probe-")
	if err != nil {
		return Result{Status: health.StatusInfraDegraded, Detail: err.Error()}
	}
	defer os.RemoveAll(scratch)
	res := p.sandbox.Execute(ctx, synthetic, p.scriptPath, scratch)
	detail := res.ErrorMessage
	if res.ErrorKind != "" {
		detail = fmt.Sprintf("[%s] %s", res.ErrorKind, res.ErrorMessage)
	}
	return Result{Status: res.Status, Detail: detail, ElapsedMs: res.ElapsedMs}
}
