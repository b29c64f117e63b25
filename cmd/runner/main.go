// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Binary runner polls the registry for due end-to-end tests and
// executes them against a local headless browser.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitchai/service-monitor/pkg/probe/browser"
	"github.com/pitchai/service-monitor/pkg/runner"
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
		registryURL   string
		artifactsRoot string
		concurrency   int
		pollInterval  time.Duration
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:          "runner",
		Short:        "E2E test runner",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.SetupConsole(logLevel); err != nil {
				return err
			}
			defer log.Flush()

			if registryURL == "" {
				registryURL = os.Getenv("E2E_RUNNER_REGISTRY_URL")
			}
			token := os.Getenv("E2E_REGISTRY_RUNNER_TOKEN")
			if registryURL == "" || token == "" {
				return errors.New("registry URL and E2E_REGISTRY_RUNNER_TOKEN are required")
			}
			if artifactsRoot == "" {
				artifactsRoot = os.Getenv("E2E_RUNNER_ARTIFACTS_DIR")
			}
			if concurrency <= 0 {
				concurrency, _ = strconv.Atoi(os.Getenv("E2E_RUNNER_CONCURRENCY"))
			}

			client := runner.NewClient(registryURL, token, nil)
			browsers := browser.NewManager(browser.ManagerConfig{
				ChromiumPath: os.Getenv("CHROMIUM_PATH"),
			}, nil)
			w := runner.NewWorker(runner.Config{
				Concurrency:   concurrency,
				ArtifactsRoot: artifactsRoot,
				PollInterval:  pollInterval,
			}, client, browsers, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Infof("runner polling %s", registryURL)
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry", "", "registry base URL (defaults to E2E_RUNNER_REGISTRY_URL)")
	cmd.Flags().StringVar(&artifactsRoot, "artifacts", "", "artifacts root directory")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel runs per claim")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "idle wait between claims")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
