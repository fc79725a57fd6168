// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package runner

import "strings"

// Browser-runtime crash signatures. A failure whose message matches one of
// these reflects the monitoring host's own browser falling over, not the
// target application, and must not push a test toward DOWN.
var infraSentinels = []string{
	"target closed",
	"target crashed",
	"browser disconnected",
	"session closed",
	"page crashed",
	"browser has disconnected",
	"navigation failed because browser has disconnected",
}

// IsInfraFailure reports whether an error message matches a known browser
// infrastructure crash signature.
func IsInfraFailure(message string) bool {
	m := strings.ToLower(message)
	for _, s := range infraSentinels {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
