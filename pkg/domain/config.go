// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package domain is the built-in monitor for first-party domains: cheap HTTP
// probes plus optional headless-browser probes, sharing the same debounced
// state machine as tenant tests.
package domain

import (
	"fmt"
	"net/url"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Domain is one monitored target from the YAML config file.
type Domain struct {
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	BrowserCheck      bool   `yaml:"browser_check"`
	ExpectText        string `yaml:"expect_text"`
	ExpectTitle       string `yaml:"expect_title"`
	ForbiddenText     string `yaml:"forbidden_text"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	DownAfterFailures int    `yaml:"down_after_failures"`
	UpAfterSuccesses  int    `yaml:"up_after_successes"`
	DispatchOnFailure bool   `yaml:"dispatch_on_failure"`
	// DisabledUntil pauses checks for this domain until the given RFC 3339
	// instant, without dropping it from the config or the heartbeat digest.
	DisabledUntil string `yaml:"disabled_until"`

	disabledUntil time.Time
}

// Disabled reports whether checks for this domain are paused at now.
func (d *Domain) Disabled(now time.Time) bool {
	return !d.disabledUntil.IsZero() && now.Before(d.disabledUntil)
}

// Config is the domains file layout.
type Config struct {
	Domains []Domain `yaml:"domains"`
}

// LoadConfig reads and validates the domains YAML file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read domains config: %v", err)
	}
	return ParseConfig(raw)
}

// ParseConfig validates a raw domains document.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid domains config: %v", err)
	}
	seen := map[string]bool{}
	for i := range cfg.Domains {
		d := &cfg.Domains[i]
		if d.Name == "" {
			return nil, fmt.Errorf("domain %d: name is required", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate domain %q", d.Name)
		}
		seen[d.Name] = true
		u, err := url.Parse(d.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("domain %q: url must be absolute http(s)", d.Name)
		}
		if d.TimeoutSeconds <= 0 {
			d.TimeoutSeconds = 20
		}
		if d.DownAfterFailures < 1 {
			d.DownAfterFailures = 2
		}
		if d.UpAfterSuccesses < 1 {
			d.UpAfterSuccesses = 1
		}
		if d.DisabledUntil != "" {
			ts, err := time.Parse(time.RFC3339, d.DisabledUntil)
			if err != nil {
				return nil, fmt.Errorf("domain %q: disabled_until must be RFC 3339", d.Name)
			}
			d.disabledUntil = ts
		}
	}
	return &cfg, nil
}
