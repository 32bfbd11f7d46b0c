// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command leaseq is the submitter/cancel/observer front end over the
// leaseq distributed task-queue core (spec.md §6.4). It never runs the
// runner loop itself — that's the separate `runner` binary.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JiwanChung/leaseq/internal/cancel"
	"github.com/JiwanChung/leaseq/internal/lease"
	"github.com/JiwanChung/leaseq/internal/observer"
	"github.com/JiwanChung/leaseq/internal/streaming"
	"github.com/JiwanChung/leaseq/internal/submitter"
	"github.com/JiwanChung/leaseq/pkg/config"
	"github.com/JiwanChung/leaseq/pkg/logging"
)

var (
	// Version is set at build time.
	Version = "dev"

	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:     "leaseq",
	Short:   "Submit, cancel and observe tasks on a leaseq lease",
	Long:    `leaseq is the coordinator-less task queue front end: it submits shell commands onto a lease, cancels them, and projects the current task state.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format: table or json")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

func buildConfig() *config.Config {
	cfg := config.NewDefault()
	cfg.Load()
	cfg.Version = Version
	return cfg
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// titleCaser renders table-column status/freshness labels ("pending",
// "stale") in the same Title-cased style the teacher's report renderer
// uses for recommendation types.
var titleCaser = cases.Title(language.English)

// --- submit -----------------------------------------------------------

var (
	submitLeaseID string
	submitNode    string
	submitCwd     string
	submitGPUs    uint
)

var submitCmd = &cobra.Command{
	Use:   "submit -- <command...>",
	Short: "Submit a shell command onto a lease",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		command := strings.Join(args, " ")

		spec, err := submitter.Submit(cmd.Context(), cfg, submitter.Options{
			LeaseID: submitLeaseID,
			Node:    submitNode,
			Command: command,
			Cwd:     submitCwd,
			GPUs:    submitGPUs,
		})
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(spec)
		}
		fmt.Printf("submitted task %s to node %s (lease %s)\n", spec.TaskID, spec.TargetNode, spec.LeaseID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitLeaseID, "lease", "", "lease id (required)")
	submitCmd.Flags().StringVar(&submitNode, "node", "", "target node (default: selected per spec.md §4.3.2)")
	submitCmd.Flags().StringVar(&submitCwd, "cwd", "", "working directory (default: current directory)")
	submitCmd.Flags().UintVar(&submitGPUs, "gpus", 0, "number of GPUs to record against this task")
	submitCmd.MarkFlagRequired("lease")
}

// --- cancel -------------------------------------------------------------

var cancelLeaseID string

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		root := lease.Root(cfg, cancelLeaseID)

		outcome, err := cancel.Cancel(root, args[0])
		if err != nil {
			return err
		}

		switch outcome {
		case cancel.OutcomePending:
			fmt.Printf("task %s cancelled (was pending)\n", args[0])
		case cancel.OutcomeRunning:
			fmt.Printf("cancel requested for running task %s\n", args[0])
		case cancel.OutcomeAlreadyDone:
			fmt.Printf("task %s already completed\n", args[0])
		case cancel.OutcomeNotFound:
			fmt.Printf("task %s not found\n", args[0])
		}
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelLeaseID, "lease", "", "lease id (required)")
	cancelCmd.MarkFlagRequired("lease")
}

// --- tasks ----------------------------------------------------------

var (
	tasksLeaseID string
	tasksFilter  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks and their classification",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		root := lease.Root(cfg, tasksLeaseID)

		proj, err := observer.Snapshot(root, nil)
		if err != nil {
			return err
		}

		rows := proj.Tasks
		switch tasksFilter {
		case "", "all":
		case "recent":
			rows = observer.FilterRecent(rows)
		default:
			rows = observer.FilterStatus(rows, observer.Status(tasksFilter))
		}

		if outputFmt == "json" {
			return printJSON(rows)
		}

		fmt.Printf("%-10s %-12s %-9s %-10s %s\n", "TASK ID", "NODE", "STATUS", "EXIT", "COMMAND")
		fmt.Println(strings.Repeat("-", 80))
		for _, row := range rows {
			command := row.Command
			if len(command) > 40 {
				command = command[:37] + "..."
			}
			fmt.Printf("%-10s %-12s %-9s %-10d %s\n", row.TaskID, row.Node, titleCaser.String(string(row.Status)), row.ExitCode, command)
		}
		fmt.Printf("\nTotal: %d tasks\n", len(rows))
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksLeaseID, "lease", "", "lease id (required)")
	tasksCmd.Flags().StringVar(&tasksFilter, "filter", "all", "pending|running|stuck|done|failed|recent|all")
	tasksCmd.MarkFlagRequired("lease")
}

// --- status -----------------------------------------------------------

var statusLeaseID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-node heartbeat freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		root := lease.Root(cfg, statusLeaseID)

		proj, err := observer.Snapshot(root, nil)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(proj.Nodes)
		}

		fmt.Printf("%-20s %-10s %-20s %s\n", "NODE", "STATUS", "LAST SEEN", "RUNNING")
		fmt.Println(strings.Repeat("-", 70))
		for _, n := range proj.Nodes {
			lastSeen := "never"
			if n.LastSeen > 0 {
				lastSeen = time.Unix(n.LastSeen, 0).Format(time.DateTime)
			}
			running := n.RunningTaskID
			if running == "" {
				running = "-"
			}
			fmt.Printf("%-20s %-10s %-20s %s\n", n.Node, titleCaser.String(string(n.Freshness)), lastSeen, running)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusLeaseID, "lease", "", "lease id (required)")
	statusCmd.MarkFlagRequired("lease")
}

// --- serve --------------------------------------------------------------

var (
	serveLeaseID string
	serveAddr    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only HTTP+WebSocket projection of lease state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		root := lease.Root(cfg, serveLeaseID)

		logger := logging.NewLogger(&logging.Config{
			Level:   logging.DefaultConfig().Level,
			Format:  logging.FormatText,
			Output:  os.Stdout,
			Role:    "observer",
			Version: Version,
		})

		srv := streaming.NewServer(root, nil, cfg.TickInterval, logger)
		logger.Info("serving projection", "addr", serveAddr, "root", root)
		return http.ListenAndServe(serveAddr, srv.Handler())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveLeaseID, "lease", "", "lease id (required)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8642", "listen address")
	serveCmd.MarkFlagRequired("lease")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
