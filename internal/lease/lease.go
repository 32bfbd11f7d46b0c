// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package lease resolves a lease's root directory and the fixed
// subdirectory layout every runner, submitter and observer operates on.
package lease

import (
	"path/filepath"

	"github.com/JiwanChung/leaseq/internal/model"
	"github.com/JiwanChung/leaseq/pkg/config"
)

// Root resolves the lease root directory per spec: "local:" leases live
// under the per-user runtime directory; any other lease id lives under
// the leaseq home directory's runs/ subtree.
func Root(cfg *config.Config, leaseID string) string {
	l := model.ParseLease(leaseID)
	if l.IsLocal() {
		return filepath.Join(cfg.RuntimeDir, leaseID)
	}
	return filepath.Join(cfg.HomeDir, "runs", leaseID)
}

// InboxDir, ClaimedDir and DoneDir are per-node subtrees exclusively
// written by that node's runner (plus submitters appending to inbox).
func InboxDir(root, node string) string {
	return filepath.Join(root, "inbox", node)
}

func ClaimedDir(root, node string) string {
	return filepath.Join(root, "claimed", node)
}

func DoneDir(root, node string) string {
	return filepath.Join(root, "done", node)
}

// ControlDir holds cancel commands targeted at a node's running task.
func ControlDir(root, node string) string {
	return filepath.Join(root, "control", node)
}

// LogsDir is flat (not per-node): written by whichever runner executed
// the task, read by anyone.
func LogsDir(root string) string {
	return filepath.Join(root, "logs")
}

// HeartbeatPath is the single heartbeat file for a node.
func HeartbeatPath(root, node string) string {
	return filepath.Join(root, "hb", node+".json")
}

// HeartbeatDir lists all nodes with a heartbeat on record.
func HeartbeatDir(root string) string {
	return filepath.Join(root, "hb")
}

// StdoutLogPath and StderrLogPath are the per-task log files under
// LogsDir.
func StdoutLogPath(root, taskID string) string {
	return filepath.Join(LogsDir(root), taskID+".out")
}

func StderrLogPath(root, taskID string) string {
	return filepath.Join(LogsDir(root), taskID+".err")
}
