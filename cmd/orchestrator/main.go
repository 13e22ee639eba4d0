/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// The `orchestrator` binary wires the Workflow Controller (C8) together
// and exposes it through a small CLI — the reference consumer of the
// control-interface boundary described in spec.md §6, standing in for
// the HTTP/WebSocket front end that is explicitly out of scope. `run`
// starts one workflow and streams its event bus to stdout until a
// terminal status lands, the same way a CLI monitor subscriber would.
//
// Usage:
//
//	orchestrator run --target example.com --intent "scan for vulnerabilities"
//	orchestrator version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/config"
	"github.com/carterpry/restraint/internal/controller"
	"github.com/carterpry/restraint/internal/persistence"
	"github.com/carterpry/restraint/internal/planner"
	"github.com/carterpry/restraint/internal/sandbox"
	"github.com/carterpry/restraint/internal/telemetry"
	"github.com/carterpry/restraint/internal/workflow"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "AI-driven security testing workflow orchestrator",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("orchestrator %s (commit %s, built %s)\n", version, gitCommit, buildDate)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		target       string
		intent       string
		environment  string
		allowedHosts []string
		excludeTools []string
		plannerURL   string
		plannerKey   string
		configPath   string
		otelEndpoint string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a workflow against a target and stream its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			shutdownTracing, err := telemetry.InitTraceProvider(ctx, otelEndpoint, version)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer shutdownTracing(context.Background())

			ctrl, closeRunner, err := buildController(ctx, cfg, plannerURL, plannerKey, logger)
			if err != nil {
				return err
			}
			defer closeRunner()

			wfID, err := ctrl.StartWorkflow(controller.StartRequest{
				Target:     target,
				UserIntent: intent,
				Constraints: workflow.Constraints{
					AllowedHosts: allowedHosts,
					Environment:  workflow.Environment(environment),
					ExcludeTools: excludeTools,
				},
			})
			if err != nil {
				return fmt.Errorf("start workflow: %w", err)
			}
			logger.Info("workflow started", zap.String("workflow_id", wfID), zap.String("target", target))

			events, err := ctrl.Subscribe(wfID, "cli-monitor")
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}

			for {
				select {
				case <-ctx.Done():
					_ = ctrl.Cancel(wfID)
					return ctx.Err()
				case e, ok := <-events:
					if !ok {
						return nil
					}
					printEvent(e, jsonOutput)
					if e.Kind.IsTerminal() {
						view, err := ctrl.Status(wfID)
						if err == nil && !jsonOutput {
							fmt.Printf("\nfinal status: %s (phases: %d)\n", view.Status, len(view.PhaseHistory))
						}
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target URL or hostname (required)")
	cmd.Flags().StringVar(&intent, "intent", "", "free-form user intent describing the assessment")
	cmd.Flags().StringVar(&environment, "environment", "development", "target environment: development|staging|production")
	cmd.Flags().StringSliceVar(&allowedHosts, "allow-host", nil, "restrict the scope to these hosts (repeatable)")
	cmd.Flags().StringSliceVar(&excludeTools, "exclude-tool", nil, "tools the planner may never recommend (repeatable)")
	cmd.Flags().StringVar(&plannerURL, "planner-url", "", "reasoning-service base URL; omit to run the fallback recommender only")
	cmd.Flags().StringVar(&plannerKey, "planner-key", "", "bearer token for the reasoning service")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config overlay")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint; omit to disable tracing")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit one JSON event object per line instead of a human summary")
	cmd.MarkFlagRequired("target")

	return cmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.LoadFile(config.Default(), path)
	if err != nil {
		return config.Config{}, err
	}
	return config.LoadEnv(cfg)
}

// buildController wires the shared Catalog, a real Docker-backed
// Sandbox Runner, and the Planner Client (HTTP backend when a URL is
// given, otherwise a backend that always reports unavailable so every
// call resolves through the fallback keyword recommender) into a
// Controller. When cfg.PersistenceDSN is set it also opens the durable
// sink (C10) and attaches it, so every workflow this process runs
// mirrors its decisions and approvals to SQL. It returns a cleanup
// func that closes the Docker client and, if opened, the store.
func buildController(ctx context.Context, cfg config.Config, plannerURL, plannerKey string, logger *zap.Logger) (*controller.Controller, func(), error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("docker client: %w", err)
	}

	puller := sandbox.NewRegistryPuller(false)
	runner := sandbox.New(cli, puller)

	var backend planner.Backend
	if plannerURL != "" {
		backend = planner.NewHTTPBackend(plannerURL, plannerKey)
	} else {
		backend = unavailableBackend{}
	}

	cat := catalog.New()
	ctrl := controller.New(cat, runner, backend, cfg.MaxConcurrent, cfg.ApprovalTTL)

	cleanup := func() { _ = cli.Close() }

	if cfg.PersistenceDSN != "" {
		store, err := persistence.Open(ctx, persistence.Dialect(cfg.PersistenceDialect), cfg.PersistenceDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open persistence store: %w", err)
		}
		ctrl.SetStore(store)
		logger.Info("persistence sink attached", zap.String("dialect", cfg.PersistenceDialect))
		cleanup = func() {
			_ = cli.Close()
			_ = store.Close()
		}
	}

	return ctrl, cleanup, nil
}

// unavailableBackend always reports the reasoning service as
// unreachable, forcing every Plan/Adapt call through the Planner
// Client's fallback keyword recommender — the documented behavior for
// a deployment with no configured reasoning-service endpoint.
type unavailableBackend struct{}

func (unavailableBackend) Plan(ctx context.Context, req planner.PlanRequest) (planner.PlanResponse, error) {
	return planner.PlanResponse{}, planner.ErrPlannerUnavailable
}

func (unavailableBackend) Adapt(ctx context.Context, req planner.AdaptRequest) (planner.PlanResponse, error) {
	return planner.PlanResponse{}, planner.ErrPlannerUnavailable
}

func printEvent(e workflow.Event, jsonOutput bool) {
	if jsonOutput {
		enc, _ := json.Marshal(struct {
			Type       workflow.EventKind `json:"type"`
			WorkflowID string             `json:"workflowId"`
			Seq        uint64             `json:"seq"`
			Timestamp  time.Time          `json:"timestamp"`
			Data       map[string]any     `json:"data,omitempty"`
		}{e.Kind, e.WorkflowID, e.Seq, e.Timestamp, e.Payload})
		fmt.Println(string(enc))
		return
	}
	fmt.Printf("[%04d] %-24s %v\n", e.Seq, e.Kind, e.Payload)
}
