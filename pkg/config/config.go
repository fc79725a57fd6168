// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package config holds the global configuration of the sentinel. It is backed
// by viper: values come from the config file, from environment variables
// prefixed with E2E_SENTINEL_, or from the defaults below, in that order of
// precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel is the global configuration object
var Sentinel *viper.Viper

func init() {
	Sentinel = viper.New()
	Sentinel.SetConfigName("sentinel")
	Sentinel.SetEnvPrefix("E2E_SENTINEL")
	Sentinel.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Sentinel.AutomaticEnv()
	initConfig(Sentinel)
}

// initConfig initializes the config defaults on a config
func initConfig(config *viper.Viper) {
	config.SetDefault("listen_address", "127.0.0.1:8111")
	config.SetDefault("data_dir", "/data")
	config.SetDefault("public_base_url", "")

	config.SetDefault("log_level", "info")
	config.SetDefault("log_file", "")
	config.SetDefault("log_to_console", true)

	// Registry
	config.SetDefault("registry.admin_token", "")
	config.SetDefault("registry.monitor_token", "")
	config.SetDefault("registry.max_source_bytes", 256*1024)
	config.SetDefault("registry.request_timeout", 30*time.Second)
	config.SetDefault("registry.rate_limit_per_second", 10)
	config.SetDefault("registry.rate_limit_burst", 30)

	// Scheduler
	config.SetDefault("scheduler.tick_interval", 1*time.Second)
	config.SetDefault("scheduler.global_concurrency", 8)
	config.SetDefault("scheduler.per_tenant_concurrency", 2)
	config.SetDefault("scheduler.backoff_after_failures", 10)
	config.SetDefault("scheduler.backoff_max_factor", 4)

	// Runner pool
	config.SetDefault("runner.workers", 4)
	config.SetDefault("runner.poll_interval", 2*time.Second)
	config.SetDefault("runner.grace_seconds", 5)
	config.SetDefault("runner.python_sandbox_cmd", "python3 -m e2e_sandbox.playwright_python")
	config.SetDefault("runner.node_sandbox_cmd", "node /opt/e2e-sandbox/puppeteer_runner.js")
	config.SetDefault("runner.browser_path", "")

	// Retention
	config.SetDefault("retention.artifact_days", 14)
	config.SetDefault("retention.run_days", 90)

	// Domain monitor
	config.SetDefault("domains.config_path", "")
	config.SetDefault("domains.check_interval", 60*time.Second)
	config.SetDefault("domains.browser_check_script", "")

	// Alerting
	config.SetDefault("alerts.enabled", true)
	config.SetDefault("alerts.telegram_bot_token", "")
	config.SetDefault("alerts.telegram_chat_id", "")

	// Heartbeats
	config.SetDefault("heartbeat.enabled", false)
	config.SetDefault("heartbeat.timezone", "UTC")
	config.SetDefault("heartbeat.times", []string{})

	// Dispatcher escalation
	config.SetDefault("dispatch.enabled", false)
	config.SetDefault("dispatch.base_url", "https://dispatch.pitchai.net")
	config.SetDefault("dispatch.token", "")
	config.SetDefault("dispatch.model", "")
	config.SetDefault("dispatch.poll_interval", 5*time.Second)
	config.SetDefault("dispatch.max_wait", 2*time.Hour)
}

// Load reads the config file found in the configured search paths, if any.
// A missing config file is not an error: env vars and defaults still apply.
func Load() error {
	if err := Sentinel.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}
