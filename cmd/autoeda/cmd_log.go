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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoeda/pkg/ux"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/execlog"
)

func newLogCmd(g *globals) *cobra.Command {
	var (
		storePath string
		runID     string
	)

	open := func() (*execlog.Store, error) {
		cfg, err := g.loadConfig()
		if err != nil {
			return nil, err
		}
		if storePath != "" {
			cfg.Storage.Path = storePath
			cfg.Storage.InMemory = false
		}
		if cfg.Storage.InMemory {
			return nil, errors.New("the execution log is in memory; pass --store or set storage.path")
		}
		cfg.Storage.GCInterval = 0
		return execlog.Open(cfg.Storage, nil)
	}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect a persistent execution log",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "", "badger directory (overrides storage.path)")

	runs := &cobra.Command{
		Use:   "runs",
		Short: "List runs, oldest first, with their task and attempt counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			ids, err := store.Runs(ctx)
			if err != nil {
				return err
			}
			summaries := make([]runSummary, 0, len(ids))
			for _, id := range ids {
				results, err := store.ListRun(ctx, id)
				if err != nil {
					return err
				}
				summaries = append(summaries, summarizeRun(id, results))
			}

			if g.jsonOut {
				return outputJSON(g.stdout, summaries)
			}
			p := ux.NewPrinter(g.stdout)
			for _, r := range summaries {
				p.Status(ux.IconPending, r.RunID,
					plural(r.Tasks, "task"),
					plural(r.Attempts, "attempt"),
					r.StartedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write attempts as JSON lines, in run/task/attempt order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			w := g.stdout
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("create %s: %w", args[0], err)
				}
				defer f.Close()
				w = f
			}
			n, err := store.WriteJSONL(cmd.Context(), w, runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(g.stderr, "exported %d attempts\n", n)
			return nil
		},
	}
	export.Flags().StringVar(&runID, "run", "", "export one run (default: every run)")

	show := &cobra.Command{
		Use:   "show [TASK]",
		Short: "List tasks of a run with their latest attempt, or every attempt of one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			run := runID
			if run == "" {
				if run, err = store.LatestRun(ctx); err != nil {
					return err
				}
			}

			var results []*datatypes.ExecutionResult
			if len(args) == 1 {
				if results, err = store.ListTask(ctx, run, args[0]); err != nil {
					return err
				}
				if len(results) == 0 {
					return fmt.Errorf("run %s task %q: %w", run, args[0], execlog.ErrNotFound)
				}
			} else {
				tasks, err := store.Tasks(ctx, run)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					return fmt.Errorf("run %s: %w", run, execlog.ErrNotFound)
				}
				for _, id := range tasks {
					latest, err := store.Latest(ctx, run, id)
					if err != nil {
						return err
					}
					results = append(results, latest)
				}
			}

			if g.jsonOut {
				return outputJSON(g.stdout, results)
			}
			p := ux.NewPrinter(g.stdout)
			p.Title("run " + run)
			for _, r := range results {
				icon := ux.IconSuccess
				state := "ok"
				switch {
				case !r.ExecOK:
					icon, state = ux.IconError, string(r.FailureKind())
				case len(r.LinterFlags) > 0 || r.Error != nil:
					icon, state = ux.IconWarning, "flagged"
				}
				p.Status(icon, fmt.Sprintf("%s#%d", r.TaskID, r.Attempt), state, r.StartedAt.Format("2006-01-02 15:04:05"))
				for _, line := range details(r) {
					p.Info(line)
				}
			}
			return nil
		},
	}
	show.Flags().StringVar(&runID, "run", "", "run to show (default: the latest run)")

	cmd.AddCommand(runs, show, export)
	return cmd
}

// runSummary is one line of "log runs".
type runSummary struct {
	RunID     string    `json:"run_id"`
	Tasks     int       `json:"tasks"`
	Attempts  int       `json:"attempts"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
}

func summarizeRun(id string, results []*datatypes.ExecutionResult) runSummary {
	s := runSummary{RunID: id, Attempts: len(results)}
	last := ""
	for _, r := range results {
		if r.TaskID != last {
			s.Tasks++
			last = r.TaskID
		}
		if !r.ExecOK {
			s.Failed++
		}
		if !r.StartedAt.IsZero() && (s.StartedAt.IsZero() || r.StartedAt.Before(s.StartedAt)) {
			s.StartedAt = r.StartedAt
		}
	}
	return s
}
