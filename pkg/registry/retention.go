// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"os"
	"path/filepath"
	"time"

	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

// Retention prunes old run rows and artifact directories. It is cheap enough
// to run daily from the scheduler.
type Retention struct {
	store        *Store
	artifactDays int
	runDays      int
}

// NewRetention builds a retention sweeper with the given windows in days.
func NewRetention(store *Store, artifactDays, runDays int) *Retention {
	if artifactDays < 1 {
		artifactDays = 14
	}
	if runDays < 1 {
		runDays = 90
	}
	return &Retention{store: store, artifactDays: artifactDays, runDays: runDays}
}

// Sweep removes expired runs and artifact directories. Failures on
// individual entries are logged and skipped; retention must never wedge.
func (rt *Retention) Sweep(now time.Time) {
	cutoff := float64(now.Add(-time.Duration(rt.runDays)*24*time.Hour).UnixNano()) / 1e9
	if n, err := rt.store.PruneRuns(cutoff); err != nil {
		_ = log.Errorf("Run retention sweep failed: %v", err)
	} else if n > 0 {
		log.Infof("Retention removed %d runs older than %dd", n, rt.runDays)
	}
	rt.sweepArtifacts(now)
}

func (rt *Retention) sweepArtifacts(now time.Time) {
	root := ArtifactsDir(rt.store.DataDir())
	deadline := now.Add(-time.Duration(rt.artifactDays) * 24 * time.Hour)
	removed := 0
	// Layout is <tenant>/<test>/<run>; a run directory's mtime is set when
	// the runner finishes writing it.
	tenants, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, tenant := range tenants {
		tests, err := os.ReadDir(filepath.Join(root, tenant.Name()))
		if err != nil {
			continue
		}
		for _, test := range tests {
			testDir := filepath.Join(root, tenant.Name(), test.Name())
			runs, err := os.ReadDir(testDir)
			if err != nil {
				continue
			}
			for _, run := range runs {
				info, err := run.Info()
				if err != nil || !info.ModTime().Before(deadline) {
					continue
				}
				if err := os.RemoveAll(filepath.Join(testDir, run.Name())); err != nil {
					_ = log.Warnf("Unable to remove expired artifacts %s: %v", run.Name(), err)
					continue
				}
				removed++
			}
		}
	}
	if removed > 0 {
		log.Infof("Retention removed %d artifact directories older than %dd", removed, rt.artifactDays)
	}
}
