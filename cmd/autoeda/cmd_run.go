// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoeda/pkg/logging"
	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/coordinator"
	"github.com/AleutianAI/autoeda/services/sandbox/critic"
	"github.com/AleutianAI/autoeda/services/sandbox/dataset"
	"github.com/AleutianAI/autoeda/services/sandbox/execlog"
	"github.com/AleutianAI/autoeda/services/sandbox/policy"
	"github.com/AleutianAI/autoeda/services/sandbox/profile"
	"github.com/AleutianAI/autoeda/services/sandbox/runtime"
	"github.com/AleutianAI/autoeda/services/sandbox/taskfile"
	"github.com/AleutianAI/autoeda/services/sandbox/telemetry"
)

const (
	reviserAuto     = "auto"
	reviserOpenAI   = "openai"
	reviserScripted = "scripted"
	reviserNone     = "none"
)

type runFlags struct {
	dataset     string
	profile     string
	store       string
	reviser     string
	metricsAddr string
	runID       string
	only        []string
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run TASKFILE",
		Short: "Run every task in a task file through the sandbox",
		Long: `Run loads a task file, pins the dataset, and drives each task through
validation, execution, evidence extraction and linting. Failed or
flagged attempts are revised while retries remain. Every attempt is
appended to the execution log under a fresh run id, so repeated runs of
one task file sit side by side in a persistent log.

Exit status is 0 when all tasks are accepted and 1 when any failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd.Context(), g, f, args[0])
		},
	}
	cmd.Flags().StringVar(&f.dataset, "dataset", "", "CSV dataset (overrides the task file)")
	cmd.Flags().StringVar(&f.profile, "profile", "", "column profile JSON/YAML (overrides the task file)")
	cmd.Flags().StringVar(&f.store, "store", "", "badger directory for the execution log (overrides storage.path)")
	cmd.Flags().StringVar(&f.reviser, "reviser", reviserAuto, "revision source: auto, openai, scripted or none")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "pin the run id (default: a fresh UUIDv7)")
	cmd.Flags().StringSliceVar(&f.only, "task", nil, "run only these task ids")
	return cmd
}

func runTasks(ctx context.Context, g *globals, f *runFlags, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if f.store != "" {
		cfg.Storage.Path = f.store
		cfg.Storage.InMemory = false
	}
	if f.metricsAddr != "" && (cfg.Telemetry.MetricsExporter == "" || cfg.Telemetry.MetricsExporter == "none") {
		cfg.Telemetry.MetricsExporter = "prometheus"
	}

	logger, err := g.newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	tel, err := telemetry.Init(ctx, cfg.Telemetry, telemetry.Options{Writer: g.stderr})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err.Error())
		}
	}()
	if f.metricsAddr != "" {
		srv, err := serveMetrics(f.metricsAddr, tel.MetricsHandler(), logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	tf, err := taskfile.Load(path)
	if err != nil {
		return err
	}
	tasks, err := selectTasks(tf, f.only)
	if err != nil {
		return err
	}

	datasetPath := firstNonEmpty(f.dataset, tf.Dataset)
	if datasetPath == "" {
		return errors.New("no dataset: set --dataset or dataset in the task file")
	}
	snap, err := dataset.Open(datasetPath, dataset.Guards{MaxRows: cfg.Policy.MaxRows, MaxColumns: cfg.Policy.MaxColumns})
	if err != nil {
		return err
	}
	logger.Info("dataset pinned", "path", snap.Path, "rows", snap.Rows, "columns", len(snap.Columns), "digest", snap.Digest[:12])

	var meta *profile.Metadata
	if p := firstNonEmpty(f.profile, tf.Profile); p != "" {
		if meta, err = profile.Load(p); err != nil {
			return err
		}
	}

	reviser, err := buildReviser(f.reviser, cfg.Critic, tf, logger)
	if err != nil {
		return err
	}

	store, err := execlog.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	executor, err := runtime.NewExecutor(cfg.Policy, cfg.Runtime, logger)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Options{
		Config:    cfg.Coordinator,
		Evidence:  cfg.Evidence,
		Validator: policy.NewValidator(cfg.Policy),
		Executor:  executor,
		Log:       store,
		Dataset:   snap,
		Reviser:   reviser,
		Profile:   meta,
		RunID:     f.runID,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	reports, runErr := coord.RunAll(ctx, tasks)
	if err := renderReports(g, reports); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if failed := countFailed(reports); failed > 0 {
		return &findingsError{count: failed, what: "tasks failed"}
	}
	return nil
}

func selectTasks(tf *taskfile.File, only []string) ([]coordinator.Task, error) {
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[id] = true
	}
	var tasks []coordinator.Task
	for _, t := range tf.Tasks {
		if len(want) > 0 && !want[t.ID] {
			continue
		}
		delete(want, t.ID)
		tasks = append(tasks, coordinator.Task{
			ID:       t.ID,
			Unit:     t.CodeUnit(),
			PlotTask: t.PlotTask,
			TaskKind: t.TaskKind,
		})
	}
	for id := range want {
		return nil, fmt.Errorf("task %q not found in task file", id)
	}
	return tasks, nil
}

// buildReviser picks the revision source. In auto mode the OpenAI
// reviser is used when the critic is enabled, scripted revisions from
// the task file otherwise.
func buildReviser(mode string, cfg config.CriticConfig, tf *taskfile.File, logger *logging.Logger) (critic.Reviser, error) {
	switch mode {
	case reviserNone:
		return nil, nil
	case reviserOpenAI:
		return critic.NewOpenAIReviser(cfg, logger)
	case reviserScripted:
		return critic.NewScriptedReviser(tf.RevisionQueues()), nil
	case reviserAuto:
		if cfg.Enabled {
			return critic.NewOpenAIReviser(cfg, logger)
		}
		if queues := tf.RevisionQueues(); len(queues) > 0 {
			return critic.NewScriptedReviser(queues), nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown reviser %q", mode)
}

// serveMetrics exposes handler on addr until the returned server is
// closed.
func serveMetrics(addr string, handler http.Handler, logger *logging.Logger) (*http.Server, error) {
	if handler == nil {
		return nil, errors.New("--metrics-addr needs telemetry.metrics_exporter: prometheus")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err.Error())
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}

func countFailed(reports []*coordinator.TaskReport) int {
	n := 0
	for _, r := range reports {
		if !r.Accepted() {
			n++
		}
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
