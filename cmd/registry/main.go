// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Binary registry serves the external end-to-end test registry: the
// tenant API, the runner claim/complete protocol and the web UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitchai/service-monitor/pkg/alert"
	"github.com/pitchai/service-monitor/pkg/config"
	"github.com/pitchai/service-monitor/pkg/dispatch"
	"github.com/pitchai/service-monitor/pkg/registry"
	log "github.com/pitchai/service-monitor/pkg/util/log"
)

const quarantineSweepInterval = 10 * time.Minute

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "registry",
		Short:        "External E2E test registry",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.SetupConsole(logLevel); err != nil {
				return err
			}
			defer log.Flush()

			settings, err := registry.LoadSettings()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				settings.ListenAddr = listenAddr
			}
			return serve(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (defaults to E2E_REGISTRY_LISTEN_ADDR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func serve(ctx context.Context, settings registry.Settings) error {
	store, err := registry.OpenStore(settings.DBPath,
		time.Duration(settings.RunnerLockTimeoutSeconds)*time.Second, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	policy := registry.NewBaseURLPolicy(settings, monitoredDomains())

	var notifier alert.Notifier
	if settings.TelegramBotToken != "" {
		notifier = alert.NewTelegramNotifier(alert.TelegramConfig{
			BotToken: settings.TelegramBotToken,
			ChatID:   settings.TelegramChatID,
		}, nil)
	}
	var dispatcher *dispatch.Client
	if settings.DispatchToken != "" {
		dispatcher = dispatch.NewClient(dispatch.Config{
			BaseURL: settings.DispatchBaseURL,
			Token:   settings.DispatchToken,
			Model:   settings.DispatchModel,
		}, nil)
	}
	alerter := registry.NewAlerter(notifier, dispatcher, store)

	server := registry.NewServer(settings, store, policy, alerter)
	server.MonitorStatePath = os.Getenv("SERVICE_MONITOR_STATE_PATH")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go quarantineLoop(ctx, store, policy)

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Infof("registry listening on %s (db %s)", settings.ListenAddr, settings.DBPath)
	err = httpServer.ListenAndServe()
	alerter.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// monitoredDomains reads the monitor's domain list so the strict
// base-url policy can fall back to it. Missing config is fine; the
// registry then relies on the explicit allowlist alone.
func monitoredDomains() []string {
	path := os.Getenv("SERVICE_MONITOR_CONFIG_PATH")
	if path == "" {
		return nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Warnf("monitor config unreadable, skipping domain allowlist: %v", err)
		return nil
	}
	domains := make([]string, 0, len(cfg.Domains))
	for _, e := range cfg.Domains {
		domains = append(domains, e.Domain)
	}
	return domains
}

// quarantineLoop disables tests whose base URL host has dropped out of
// the allowlist, at startup and then periodically.
func quarantineLoop(ctx context.Context, store *registry.Store, policy registry.BaseURLPolicy) {
	ticker := time.NewTicker(quarantineSweepInterval)
	defer ticker.Stop()
	for {
		quarantined, err := store.QuarantineDisallowed(ctx, policy)
		if err != nil {
			log.Errorf("quarantine sweep failed: %v", err)
		}
		for _, test := range quarantined {
			log.Warnf("quarantined test %s (%s): base url host no longer allowed", test.ID, test.Name)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
