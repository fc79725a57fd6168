// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package dispatch

import (
	"fmt"
	"strings"
)

// readOnlyRules is embedded in every diagnosis prompt. The remote agent has
// shell access on production hosts, so the rules pin it to observation.
const readOnlyRules = `STRICT READ-ONLY RULES:
- You are diagnosing, not fixing. Do NOT restart, stop, or redeploy any service or container.
- Do NOT run docker restart, docker stop, docker compose up/down, systemctl, or kill.
- Do NOT prune, delete, truncate, or rotate anything (images, volumes, logs, databases).
- Do NOT modify any file, environment variable, or configuration.
- Allowed: reading logs, docker ps / inspect / stats, curl to local endpoints, df/free/top, DNS lookups.
- End your investigation with a concise diagnosis and a SUGGESTED fix for a human to apply. Never apply it yourself.`

// BuildDiagnosisPrompt assembles the prompt for an escalated failure.
// subject names what went down, detail carries the observed evidence.
func BuildDiagnosisPrompt(subject, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A monitored service check went DOWN and needs diagnosis.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	if detail != "" {
		fmt.Fprintf(&b, "Observed evidence:\n%s\n\n", detail)
	}
	b.WriteString("Investigate the likely cause on the host. ")
	b.WriteString("Check container state, recent logs, disk and memory pressure, and whether the service answers locally.\n\n")
	b.WriteString(readOnlyRules)
	return b.String()
}
