// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command runner is the per-node claim/execute/archive loop (spec.md
// §4.2, §6.4). It never exits 0: it loops until killed or signalled, and
// exits non-zero on unrecoverable setup failure or after a SIGINT/SIGTERM
// stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JiwanChung/leaseq/internal/lease"
	"github.com/JiwanChung/leaseq/internal/runner"
	"github.com/JiwanChung/leaseq/pkg/config"
	"github.com/JiwanChung/leaseq/pkg/logging"
)

var (
	// Version is set at build time.
	Version = "dev"

	leaseID   string
	node      string
	root      string
	logFormat string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run leaseq's per-node claim/execute/archive loop",
	Long:  `runner owns exactly one node's inbox/claimed/done/hb/control subtrees and loops: emit heartbeat, claim oldest inbox entry, execute, archive.`,
	RunE:  runLoop,
}

func init() {
	rootCmd.Flags().StringVar(&leaseID, "lease", "", "lease id, e.g. local:myhost or a batch job id (required)")
	rootCmd.Flags().StringVar(&node, "node", "", "node name (default: hostname)")
	rootCmd.Flags().StringVar(&root, "root", "", "override the resolved lease root directory")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.MarkFlagRequired("lease")
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg := config.NewDefault()
	cfg.Load()
	cfg.Version = Version
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	cfg.Debug = cfg.Debug || debug
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	resolvedNode := node
	if resolvedNode == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		resolvedNode = hostname
	}

	resolvedRoot := root
	if resolvedRoot == "" {
		resolvedRoot = lease.Root(cfg, leaseID)
	}

	logFmt := logging.FormatText
	if cfg.LogFormat == "json" {
		logFmt = logging.FormatJSON
	}
	level := logging.DefaultConfig().Level
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{
		Level:   level,
		Format:  logFmt,
		Output:  os.Stdout,
		Role:    "runner",
		Version: Version,
	})

	logger.Info("starting runner", "lease_id", leaseID, "node", resolvedNode, "root", resolvedRoot)

	r := runner.New(cfg, leaseID, resolvedNode, resolvedRoot, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		logger.Error("runner exited with unrecoverable error", "error", err.Error())
		return err
	}
	// Run returns nil only once a signal has cancelled ctx; that stop is
	// still reported with a non-zero exit status.
	cmd.SilenceUsage = true
	return fmt.Errorf("runner stopped by signal: %w", ctx.Err())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
