// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package dispatch hands a failing check over to the remote diagnosis
// service and follows the resulting run to completion.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

const tokenHeader = "X-PitchAI-Dispatch-Token"

// Terminal run states reported by the dispatch service.
const (
	StateProcessed   = "processed"
	StateFailed      = "failed"
	StateRunnerError = "runner_error"
)

// IsTerminal reports whether a run state will not change further.
func IsTerminal(state string) bool {
	return state == StateProcessed || state == StateFailed || state == StateRunnerError
}

// Client talks to the dispatch HTTP API.
type Client struct {
	baseURL      string
	token        string
	model        string
	pollInterval time.Duration
	maxWait      time.Duration
	client       *http.Client
}

// Option tweaks a Client.
type Option func(*Client)

// WithPollInterval sets the status polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithMaxWait bounds how long WaitForTerminal will follow a run.
func WithMaxWait(d time.Duration) Option {
	return func(c *Client) { c.maxWait = d }
}

// NewClient creates a dispatch client for the given endpoint.
func NewClient(baseURL, token, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		model:        model,
		pollInterval: 5 * time.Second,
		maxWait:      2 * time.Hour,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(tokenHeader, c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch %s: status %d: %.200s", path, resp.StatusCode, body)
	}
	return body, nil
}

// CreateJob submits a prompt and returns the bundle id of the queued run.
// The service answers in the form "queued:<bundle>:runner:<runner-id>".
func (c *Client) CreateJob(ctx context.Context, prompt string) (bundle string, err error) {
	payload, _ := json.Marshal(map[string]string{
		"prompt": prompt,
		"model":  c.model,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/dispatch", strings.NewReader(string(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dispatch create: status %d: %.200s", resp.StatusCode, body)
	}
	reply := strings.TrimSpace(string(body))
	parts := strings.Split(reply, ":")
	if len(parts) < 2 || parts[0] != "queued" || parts[1] == "" {
		return "", fmt.Errorf("dispatch create: unexpected reply %q", reply)
	}
	return parts[1], nil
}

// Status fetches the current run state of a bundle.
func (c *Client) Status(ctx context.Context, bundle string) (string, error) {
	body, err := c.get(ctx, "/runs/"+url.PathEscape(bundle)+"/status", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		// older deployments answer with the bare state string
		return strings.TrimSpace(string(body)), nil
	}
	return out.State, nil
}

// LogTail fetches up to maxBytes of the run's execution log from offset.
func (c *Client) LogTail(ctx context.Context, bundle string, offset, maxBytes int64) ([]byte, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprintf("%d", offset))
	q.Set("max_bytes", fmt.Sprintf("%d", maxBytes))
	return c.get(ctx, "/runs/"+url.PathEscape(bundle)+"/log", q)
}

// WaitForTerminal polls until the run reaches a terminal state, the wait
// budget runs out, or ctx is cancelled. Transient status errors are logged
// and retried.
func (c *Client) WaitForTerminal(ctx context.Context, bundle string) (string, error) {
	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		state, err := c.Status(ctx, bundle)
		if err != nil {
			log.Debugf("Dispatch status poll for %s failed: %v", bundle, err)
		} else if IsTerminal(state) {
			return state, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("dispatch run %s not terminal after %s", bundle, c.maxWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// LastAgentMessage extracts the final agent_message entry from a JSON-lines
// execution log. Lines that do not parse are skipped.
func LastAgentMessage(logData []byte) string {
	last := ""
	for _, line := range strings.Split(string(logData), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry struct {
			AgentMessage string `json:"agent_message"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.AgentMessage != "" {
			last = entry.AgentMessage
		}
	}
	return last
}
