// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package submitter constructs TaskSpecs and atomically places them into
// a node's inbox.
package submitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JiwanChung/leaseq/internal/fsutil"
	"github.com/JiwanChung/leaseq/internal/lease"
	"github.com/JiwanChung/leaseq/internal/model"
	"github.com/JiwanChung/leaseq/pkg/config"
	lqerrors "github.com/JiwanChung/leaseq/pkg/errors"
)

// staleHeartbeat matches the runner's 120s stuck/node-selection threshold
// (spec.md §4.2.1, §4.3.2).
const staleHeartbeat = 120 * time.Second

// Options configures a single submission, per spec.md §4.3.
type Options struct {
	LeaseID string
	Node    string // explicit target node; empty triggers selection (§4.3.2)
	Command string
	Cwd     string
	Env     map[string]string
	GPUs    uint
}

// Submit resolves the lease root, selects a node, constructs a TaskSpec
// and atomically places it into that node's inbox. It returns the spec
// that was placed.
func Submit(ctx context.Context, cfg *config.Config, opts Options) (*model.TaskSpec, error) {
	root := lease.Root(cfg, opts.LeaseID)

	node, err := selectNode(opts, root)
	if err != nil {
		return nil, err
	}

	spec, err := buildSpec(opts, node)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%016d_%s_%s.json", spec.Seq, spec.TaskID, spec.UUID)
	path := filepath.Join(lease.InboxDir(root, node), name)
	if err := fsutil.AtomicWriteJSON(path, spec); err != nil {
		return nil, lqerrors.Wrap(lqerrors.ErrorCodeIO, "place task spec", err).WithTask(spec.TaskID)
	}

	return &spec, nil
}

// selectNode implements §4.3.2: explicit node wins, else a local lease
// uses the submitting host's name, else the first sorted node with a
// fresh heartbeat.
func selectNode(opts Options, root string) (string, error) {
	if opts.Node != "" {
		return opts.Node, nil
	}

	l := model.ParseLease(opts.LeaseID)
	if l.IsLocal() {
		hostname, err := os.Hostname()
		if err != nil {
			return "", lqerrors.Wrap(lqerrors.ErrorCodeUnrecoverableSetup, "resolve hostname", err)
		}
		return hostname, nil
	}

	return selectFreshestNode(root)
}

// selectFreshestNode scans hb/ for the first (sorted) node whose
// heartbeat is fresh, per §4.3.2.
func selectFreshestNode(root string) (string, error) {
	names, err := fsutil.ListSorted(lease.HeartbeatDir(root))
	if err != nil {
		return "", lqerrors.Wrap(lqerrors.ErrorCodeNoActiveNodes, "list heartbeats", err)
	}

	sort.Strings(names)
	now := time.Now()
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		node := strings.TrimSuffix(name, ".json")

		var hb model.Heartbeat
		path := filepath.Join(lease.HeartbeatDir(root), name)
		if err := fsutil.ReadJSON(path, &hb); err != nil {
			continue
		}
		if now.Sub(time.Unix(hb.Ts, 0)) < staleHeartbeat {
			return node, nil
		}
	}

	return "", lqerrors.New(lqerrors.ErrorCodeNoActiveNodes, "no node has a fresh heartbeat")
}

// buildSpec implements §4.3.3.
func buildSpec(opts Options, node string) (model.TaskSpec, error) {
	cwd := opts.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return model.TaskSpec{}, lqerrors.Wrap(lqerrors.ErrorCodeUnrecoverableSetup, "resolve working directory", err)
		}
		cwd = wd
	}

	env := opts.Env
	if env == nil {
		env = snapshotEnv()
	}

	id := uuid.New()
	seq := uint64(time.Now().UnixMicro())
	taskID := "T" + strings.ReplaceAll(id.String(), "-", "")[:6]

	return model.TaskSpec{
		TaskID:         taskID,
		IdempotencyKey: fmt.Sprintf("%s-%s-%d", opts.LeaseID, node, seq),
		LeaseID:        opts.LeaseID,
		TargetNode:     node,
		Seq:            seq,
		UUID:           id.String(),
		CreatedAt:      time.Now().Unix(),
		Cwd:            cwd,
		Env:            env,
		Command:        opts.Command,
		GPUs:           opts.GPUs,
	}, nil
}

func snapshotEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
