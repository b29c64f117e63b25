// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Binary monitor runs the domain monitoring loop: per-domain probes,
// debounced alerting and the daily heartbeat.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pitchai/service-monitor/pkg/config"
	"github.com/pitchai/service-monitor/pkg/monitor"
	log "github.com/pitchai/service-monitor/pkg/util/log"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		statePath  string
		logLevel   string
		once       bool
	)

	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Domain monitoring loop",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.SetupConsole(logLevel); err != nil {
				return err
			}
			defer log.Flush()

			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			if configPath == "" {
				configPath = settings.ConfigPath
			}
			if statePath == "" {
				statePath = settings.StatePath
			}
			if configPath == "" || statePath == "" {
				return errors.New("config and state paths are required (flags or environment)")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			m, err := monitor.New(cfg, settings, statePath, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if once {
				summary := m.RunCycle(ctx)
				log.Infof("cycle done: %d domains checked, %d disabled, %d alerts",
					summary.CheckedDomains, summary.DisabledDomains, summary.AlertsSent)
				return nil
			}

			log.Infof("monitoring %d domains every %s", len(cfg.Domains), cfg.Interval())
			err = m.RunLoop(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config (defaults to SERVICE_MONITOR_CONFIG_PATH)")
	cmd.Flags().StringVar(&statePath, "state", "", "path to the state file (defaults to SERVICE_MONITOR_STATE_PATH)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}
