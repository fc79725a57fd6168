// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitchai/e2e-sentinel/pkg/alerts"
	"github.com/pitchai/e2e-sentinel/pkg/config"
	"github.com/pitchai/e2e-sentinel/pkg/dispatch"
	"github.com/pitchai/e2e-sentinel/pkg/domain"
	"github.com/pitchai/e2e-sentinel/pkg/heartbeat"
	"github.com/pitchai/e2e-sentinel/pkg/registry"
	"github.com/pitchai/e2e-sentinel/pkg/runner"
	"github.com/pitchai/e2e-sentinel/pkg/scheduler"
	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
	"github.com/pitchai/e2e-sentinel/pkg/version"
)

const loggerName config.LoggerName = "SENTINEL"

var (
	confPath string

	rootCmd = &cobra.Command{
		Use:   "sentinel",
		Short: "Continuous synthetic monitoring for web applications",
		Long: `e2e-sentinel runs tenant-registered end-to-end browser tests and
built-in domain probes on a schedule, tracks debounced UP/DOWN state,
and alerts when something really went down.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the sentinel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return start()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("e2e-sentinel %s (commit %s)\n", version.SentinelVersion, version.Commit)
		},
	}
)

func init() {
	rootCmd.AddCommand(startCmd, versionCmd)
	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the sentinel.yaml directory")
}

func start() error {
	config.Sentinel.AddConfigPath(".")
	if confPath != "" {
		config.Sentinel.AddConfigPath(confPath)
	}
	if err := config.Load(); err != nil {
		return fmt.Errorf("unable to load sentinel config: %v", err)
	}
	if err := config.SetupLogger(loggerName,
		config.Sentinel.GetString("log_level"),
		config.Sentinel.GetString("log_file"),
		config.Sentinel.GetBool("log_to_console")); err != nil {
		return fmt.Errorf("unable to set up logger: %v", err)
	}
	defer log.Flush()
	log.Infof("Starting e2e-sentinel %s", version.SentinelVersion)

	store, err := registry.Open(config.Sentinel.GetString("data_dir"))
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier alerts.Notifier
	if config.Sentinel.GetBool("alerts.enabled") {
		notifier = alerts.NewTelegramNotifier(
			config.Sentinel.GetString("alerts.telegram_bot_token"),
			config.Sentinel.GetString("alerts.telegram_chat_id"))
	}
	alertMgr := alerts.NewManager(notifier)

	var escalator *dispatch.Escalator
	if config.Sentinel.GetBool("dispatch.enabled") {
		client := dispatch.NewClient(
			config.Sentinel.GetString("dispatch.base_url"),
			config.Sentinel.GetString("dispatch.token"),
			config.Sentinel.GetString("dispatch.model"),
			dispatch.WithPollInterval(config.Sentinel.GetDuration("dispatch.poll_interval")),
			dispatch.WithMaxWait(config.Sentinel.GetDuration("dispatch.max_wait")))
		escalator = dispatch.NewEscalator(client, store, alertMgr)
	}

	sandbox := runner.NewSandbox(
		strings.Fields(config.Sentinel.GetString("runner.python_sandbox_cmd")),
		strings.Fields(config.Sentinel.GetString("runner.node_sandbox_cmd")),
		config.Sentinel.GetString("runner.browser_path"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := runner.New(store, sandbox, alertMgr, escalator,
		config.Sentinel.GetInt("runner.workers"),
		config.Sentinel.GetDuration("runner.poll_interval"),
		config.Sentinel.GetString("public_base_url"))
	pool.Start(ctx)

	retention := registry.NewRetention(store,
		config.Sentinel.GetInt("retention.artifact_days"),
		config.Sentinel.GetInt("retention.run_days"))
	sched := scheduler.New(store, retention, scheduler.Options{
		TickInterval:         config.Sentinel.GetDuration("scheduler.tick_interval"),
		GlobalConcurrency:    config.Sentinel.GetInt("scheduler.global_concurrency"),
		PerTenantConcurrency: config.Sentinel.GetInt("scheduler.per_tenant_concurrency"),
		BackoffAfterFailures: config.Sentinel.GetInt("scheduler.backoff_after_failures"),
		BackoffMaxFactor:     config.Sentinel.GetInt("scheduler.backoff_max_factor"),
	})
	go sched.Run(ctx)

	var monitor *domain.Monitor
	domainsPath := config.Sentinel.GetString("domains.config_path")
	if domainsPath != "" {
		cfg, err := domain.LoadConfig(domainsPath)
		if err != nil {
			return err
		}
		probes := []domain.Probe{domain.NewHTTPProbe()}
		if script := config.Sentinel.GetString("domains.browser_check_script"); script != "" {
			probes = append(probes, domain.NewBrowserProbe(sandbox, script))
		}
		monitor = domain.NewMonitor(store, alertMgr, escalator, probes, cfg,
			config.Sentinel.GetDuration("domains.check_interval"))
		go monitor.Run(ctx)
	}

	if config.Sentinel.GetBool("heartbeat.enabled") {
		hb, err := heartbeat.NewLoop(
			config.Sentinel.GetString("heartbeat.timezone"),
			config.Sentinel.GetStringSlice("heartbeat.times"),
			func(ctx context.Context) error {
				alertMgr.Notify(ctx, heartbeatMessage(store, monitor))
				return nil
			})
		if err != nil {
			return err
		}
		go hb.Run(ctx)
	}

	api := registry.NewAPI(store)
	api.Start()

	// SIGHUP reloads the domains file, SIGINT/SIGTERM shut down
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			if monitor == nil {
				continue
			}
			cfg, err := domain.LoadConfig(domainsPath)
			if err != nil {
				_ = log.Errorf("Domains reload failed, keeping previous config: %v", err)
				continue
			}
			monitor.Reload(cfg)
			continue
		}
		log.Infof("Received signal %q, shutting down", sig)
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		_ = log.Warnf("API shutdown incomplete: %v", err)
	}
	pool.Wait()
	log.Info("Shutdown complete")
	return nil
}

// heartbeatMessage assembles the periodic liveness digest from the domain
// monitor and the test fleet summary.
func heartbeatMessage(store *registry.Store, monitor *domain.Monitor) string {
	var b strings.Builder
	b.WriteString("💓 e2e-sentinel heartbeat\n")
	if monitor != nil {
		b.WriteString(monitor.HeartbeatDigest())
		b.WriteString("\n")
	}
	sum, err := store.StatusSummary()
	if err != nil {
		fmt.Fprintf(&b, "Tests: summary unavailable (%v)\n", err)
		return b.String()
	}
	fmt.Fprintf(&b, "Tests UP: %d/%d", sum.TestsTotal-sum.Failing, sum.TestsTotal)
	if sum.Failing > 0 {
		fmt.Fprintf(&b, " (%d DOWN)", sum.Failing)
	}
	if len(sum.Slowest) > 0 {
		b.WriteString("\nSlowest:")
		for _, row := range sum.Slowest {
			fmt.Fprintf(&b, "\n  %s: %.0fms", row.TestName, row.LastElapsedMs)
		}
	}
	return b.String()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
