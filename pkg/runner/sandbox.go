// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/pitchai/e2e-sentinel/pkg/health"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

// The sandbox child prints exactly one result line on stdout. Anything else
// on stdout or stderr is the script's own noise and is ignored; the last
// matching line wins in case the script echoes the marker itself.
var resultLineRe = regexp.MustCompile(`(?m)^E2E_RESULT_JSON=(\{.*\})\s*$`)

// ErrorKindRunnerProtocol marks runs where the child exited without
// producing a parseable result line.
const ErrorKindRunnerProtocol = "runner_protocol"

// graceDefault is added on top of the test timeout before the child is
// killed, giving the sandbox room to emit its own timeout result first.
const graceDefault = 5 * time.Second

// Result is the outcome of one sandbox execution.
type Result struct {
	Status       health.Status     `json:"status"`
	ErrorKind    string            `json:"error_kind"`
	ErrorMessage string            `json:"error_message"`
	ElapsedMs    float64           `json:"elapsed_ms"`
	FinalURL     string            `json:"final_url"`
	PageTitle    string            `json:"page_title"`
	Artifacts    map[string]string `json:"artifacts"`
}

// Sandbox launches test scripts in isolated child processes.
type Sandbox struct {
	pythonCmd   []string
	nodeCmd     []string
	browserPath string
	grace       time.Duration
}

// NewSandbox configures the child commands per test kind. Each command is
// the argv prefix; the protocol flags are appended per run.
func NewSandbox(pythonCmd, nodeCmd []string, browserPath string) *Sandbox {
	return &Sandbox{
		pythonCmd:   pythonCmd,
		nodeCmd:     nodeCmd,
		browserPath: browserPath,
		grace:       graceDefault,
	}
}

func (s *Sandbox) commandFor(kind registry.TestKind) ([]string, error) {
	switch kind {
	case registry.KindScriptPython:
		if len(s.pythonCmd) == 0 {
			return nil, fmt.Errorf("no python sandbox command configured")
		}
		return s.pythonCmd, nil
	case registry.KindScriptJS:
		if len(s.nodeCmd) == 0 {
			return nil, fmt.Errorf("no node sandbox command configured")
		}
		return s.nodeCmd, nil
	}
	return nil, fmt.Errorf("unknown test kind %q", kind)
}

// childEnv builds the minimal environment the sandbox runs with. The parent
// environment is deliberately not inherited, so registry tokens and alert
// credentials can never leak into tenant scripts.
func (s *Sandbox) childEnv(baseURL, artifactsDir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=/tmp",
		"BASE_URL=" + baseURL,
		"ARTIFACTS_DIR=" + artifactsDir,
	}
	for _, k := range []string{"LANG", "TZ"} {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	if s.browserPath != "" {
		env = append(env, "CHROMIUM_PATH="+s.browserPath)
	}
	return env
}

// Execute runs one test script and always returns a terminal Result; child
// failures of any shape are mapped onto the result statuses.
func (s *Sandbox) Execute(ctx context.Context, test *registry.Test, sourceFile, artifactsDir string) Result {
	argv, err := s.commandFor(test.Kind)
	if err != nil {
		return Result{Status: health.StatusFail, ErrorKind: ErrorKindRunnerProtocol, ErrorMessage: err.Error()}
	}
	timeout := time.Duration(test.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout+s.grace)
	defer cancel()

	args := append(append([]string{}, argv[1:]...),
		"--test-file", sourceFile,
		"--base-url", test.BaseURL,
		"--artifacts-dir", artifactsDir,
		"--timeout-seconds", fmt.Sprintf("%d", test.TimeoutSeconds),
	)
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	cmd.Env = s.childEnv(test.BaseURL, artifactsDir)
	// SIGTERM first so the sandbox can flush artifacts, SIGKILL if it lingers.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := float64(time.Since(start).Milliseconds())

	writeRunLog(artifactsDir, stdout.Bytes(), stderr.Bytes())

	res, ok := parseResult(stdout.Bytes())
	if ok {
		if res.ElapsedMs == 0 {
			res.ElapsedMs = elapsed
		}
		if res.Status == health.StatusPass && runErr != nil {
			// a pass result with a nonzero exit is a broken sandbox
			res.Status = health.StatusFail
			res.ErrorKind = ErrorKindRunnerProtocol
			res.ErrorMessage = fmt.Sprintf("result said pass but child exited with error: %v", runErr)
		}
		if res.Status != health.StatusPass && IsInfraFailure(res.ErrorMessage) {
			res.Status = health.StatusInfraDegraded
		}
		return res
	}

	// no result line: classify from how the child died
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = strings.TrimSpace(stdout.String())
	}
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Status:       health.StatusTimeout,
			ErrorKind:    "timeout",
			ErrorMessage: fmt.Sprintf("child exceeded %s hard deadline", timeout+s.grace),
			ElapsedMs:    elapsed,
		}
	}
	if IsInfraFailure(msg) {
		return Result{Status: health.StatusInfraDegraded, ErrorKind: "browser_infra", ErrorMessage: msg, ElapsedMs: elapsed}
	}
	detail := "child exited without a result line"
	if runErr != nil {
		detail = fmt.Sprintf("%s (%v)", detail, runErr)
	}
	if msg != "" {
		detail += ": " + msg
	}
	log.Debugf("Sandbox protocol violation for test %s: %s", test.ID, detail)
	return Result{Status: health.StatusFail, ErrorKind: ErrorKindRunnerProtocol, ErrorMessage: detail, ElapsedMs: elapsed}
}

// writeRunLog captures the child's raw output next to the artifacts so a
// failing run can be debugged verbatim. Best-effort.
func writeRunLog(artifactsDir string, stdout, stderr []byte) {
	if artifactsDir == "" {
		return
	}
	var buf bytes.Buffer
	buf.Write(stdout)
	if len(stderr) > 0 {
		buf.WriteString("\n--- stderr ---\n")
		buf.Write(stderr)
	}
	if buf.Len() == 0 {
		return
	}
	if err := os.WriteFile(fmt.Sprintf("%s/run.log", artifactsDir), buf.Bytes(), 0o644); err != nil {
		log.Debugf("Unable to write run.log: %v", err)
	}
}

// parseResult extracts the last result line from the child's stdout.
func parseResult(stdout []byte) (Result, bool) {
	matches := resultLineRe.FindAllSubmatch(stdout, -1)
	if len(matches) == 0 {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(matches[len(matches)-1][1], &res); err != nil {
		return Result{}, false
	}
	if !health.IsValidStatus(res.Status) {
		return Result{}, false
	}
	return res, true
}
