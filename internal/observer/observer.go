// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package observer projects a lease root's inbox/claimed/done/hb
// subtrees into a classified, filterable view (§4.5).
package observer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JiwanChung/leaseq/internal/fsutil"
	"github.com/JiwanChung/leaseq/internal/model"
)

// Status is a task's derived classification.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStuck   Status = "stuck"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// stuckThreshold and recentWindow are the fixed thresholds spec.md §4.5
// names for RUNNING-vs-STUCK classification and the "recent" filter.
const (
	stuckThreshold = 120 * time.Second
	recentWindow   = 24 * time.Hour
	recentCap      = 50
)

// NodeFreshness is a node's heartbeat-derived liveness, per the
// 60s/120s thresholds spec.md §4.2.1 and §6.4 name for status display.
type NodeFreshness string

const (
	FreshnessFresh NodeFreshness = "fresh" // < 60s
	FreshnessStale NodeFreshness = "stale" // 60s..120s
	FreshnessDead  NodeFreshness = "dead"  // >= 120s or no heartbeat
)

// Row is one task in the projection.
type Row struct {
	TaskID     string
	Node       string
	Status     Status
	Command    string
	ExitCode   int32
	StartedAt  int64
	FinishedAt int64
}

// NodeStatus reports a single node's heartbeat freshness.
type NodeStatus struct {
	Node          string
	Freshness     NodeFreshness
	LastSeen      int64
	RunningTaskID string
}

// Projection is the full observer view over a lease root.
type Projection struct {
	Tasks []Row
	Nodes []NodeStatus
}

// Snapshot builds a Projection over root for the given nodes. If nodes
// is empty, every node referenced by inbox/claimed/done/hb is included.
func Snapshot(root string, nodes []string) (Projection, error) {
	if len(nodes) == 0 {
		discovered, err := discoverNodes(root)
		if err != nil {
			return Projection{}, err
		}
		nodes = discovered
	}

	now := time.Now()
	var proj Projection

	for _, node := range nodes {
		hb, hasHB := readHeartbeat(root, node)

		pending, err := pendingRows(root, node)
		if err != nil {
			return Projection{}, err
		}
		proj.Tasks = append(proj.Tasks, pending...)

		claimed, err := claimedRows(root, node, hasHB, hb, now)
		if err != nil {
			return Projection{}, err
		}
		proj.Tasks = append(proj.Tasks, claimed...)

		done, err := doneRows(root, node)
		if err != nil {
			return Projection{}, err
		}
		proj.Tasks = append(proj.Tasks, done...)

		proj.Nodes = append(proj.Nodes, nodeStatus(node, hasHB, hb, now))
	}

	return proj, nil
}

func discoverNodes(root string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, sub := range []string{"inbox", "claimed", "done", "hb"} {
		entries, err := listSubdirOrFile(filepath.Join(root, sub))
		if err != nil {
			return nil, err
		}
		for _, name := range entries {
			name = strings.TrimSuffix(name, ".json")
			seen[name] = struct{}{}
		}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes, nil
}

func listSubdirOrFile(dir string) ([]string, error) {
	direct, err := fsutil.ListSorted(dir)
	if err != nil {
		return nil, err
	}
	subdirs, err := listDirEntries(dir)
	if err != nil {
		return nil, err
	}
	return append(direct, subdirs...), nil
}

// listDirEntries lists the immediate subdirectory names of dir; a
// missing dir yields an empty list.
func listDirEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func readHeartbeat(root, node string) (model.Heartbeat, bool) {
	var hb model.Heartbeat
	path := filepath.Join(root, "hb", node+".json")
	if err := fsutil.ReadJSON(path, &hb); err != nil {
		return model.Heartbeat{}, false
	}
	return hb, true
}

func pendingRows(root, node string) ([]Row, error) {
	dir := filepath.Join(root, "inbox", node)
	names, err := fsutil.ListSorted(dir)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(names))
	for _, name := range names {
		var spec model.TaskSpec
		if err := fsutil.ReadJSON(filepath.Join(dir, name), &spec); err != nil {
			continue
		}
		rows = append(rows, Row{
			TaskID:  spec.TaskID,
			Node:    node,
			Status:  StatusPending,
			Command: spec.Command,
		})
	}
	return rows, nil
}

func claimedRows(root, node string, hasHB bool, hb model.Heartbeat, now time.Time) ([]Row, error) {
	dir := filepath.Join(root, "claimed", node)
	names, err := fsutil.ListSorted(dir)
	if err != nil {
		return nil, err
	}
	running := hasHB && now.Sub(time.Unix(hb.Ts, 0)) < stuckThreshold

	rows := make([]Row, 0, len(names))
	for _, name := range names {
		var spec model.TaskSpec
		if err := fsutil.ReadJSON(filepath.Join(dir, name), &spec); err != nil {
			continue
		}
		status := StatusStuck
		if running {
			status = StatusRunning
		}
		rows = append(rows, Row{
			TaskID:  spec.TaskID,
			Node:    node,
			Status:  status,
			Command: spec.Command,
		})
	}
	return rows, nil
}

func doneRows(root, node string) ([]Row, error) {
	dir := filepath.Join(root, "done", node)
	names, err := fsutil.ListSorted(dir)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".result.json") &&
			!strings.HasSuffix(name, ".skipped.json") &&
			!strings.HasSuffix(name, ".cancelled.json") {
			continue
		}
		var res model.TaskResult
		if err := fsutil.ReadJSON(filepath.Join(dir, name), &res); err != nil {
			continue
		}
		status := StatusDone
		if res.ExitCode != 0 {
			status = StatusFailed
		}
		rows = append(rows, Row{
			TaskID:     res.TaskID,
			Node:       node,
			Status:     status,
			Command:    res.Command,
			ExitCode:   res.ExitCode,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
		})
	}
	return rows, nil
}

func nodeStatus(node string, hasHB bool, hb model.Heartbeat, now time.Time) NodeStatus {
	if !hasHB {
		return NodeStatus{Node: node, Freshness: FreshnessDead}
	}
	age := now.Sub(time.Unix(hb.Ts, 0))
	freshness := FreshnessDead
	switch {
	case age < 60*time.Second:
		freshness = FreshnessFresh
	case age < stuckThreshold:
		freshness = FreshnessStale
	}
	return NodeStatus{
		Node:          node,
		Freshness:     freshness,
		LastSeen:      hb.Ts,
		RunningTaskID: hb.RunningTaskID,
	}
}

// FilterRecent keeps only DONE/FAILED rows finished within the last 24h,
// sorted by FinishedAt descending, capped at 50 (§4.5).
func FilterRecent(rows []Row) []Row {
	now := time.Now()
	var recent []Row
	for _, r := range rows {
		if r.Status != StatusDone && r.Status != StatusFailed {
			continue
		}
		if now.Sub(time.Unix(r.FinishedAt, 0)) > recentWindow {
			continue
		}
		recent = append(recent, r)
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].FinishedAt > recent[j].FinishedAt
	})
	if len(recent) > recentCap {
		recent = recent[:recentCap]
	}
	return recent
}

// FilterStatus keeps only rows matching status.
func FilterStatus(rows []Row, status Status) []Row {
	var out []Row
	for _, r := range rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}
