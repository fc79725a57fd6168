// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package version defines the version of the sentinel
package version

// SentinelVersion contains the version of the sentinel.
// It is populated at build time using build flags.
var SentinelVersion string

// Commit is populated with the short commit hash from which the sentinel was built
var Commit string

var sentinelVersionDefault = "1.0.0"

func init() {
	if SentinelVersion == "" {
		SentinelVersion = sentinelVersionDefault
	}
}
