// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package cancel locates a task by id across a lease's inbox/claimed/done
// subtrees and applies the state-dependent cancellation rule (§4.4).
package cancel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JiwanChung/leaseq/internal/fsutil"
	"github.com/JiwanChung/leaseq/internal/model"
	lqerrors "github.com/JiwanChung/leaseq/pkg/errors"
)

// Outcome reports which branch of §4.4 fired for a cancel request.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomeRunning     Outcome = "running"
	OutcomeAlreadyDone Outcome = "already_done"
	OutcomeNotFound    Outcome = "not_found"
)

// Cancel locates taskID under root (across every node subdirectory) and
// applies the cancellation rule for whichever state it is found in.
func Cancel(root, taskID string) (Outcome, error) {
	// inbox/, claimed/, done/ each have their own node subdirectories;
	// discover them independently since a task may only appear in one.
	inboxNodes, err := listNodeDirs(filepath.Join(root, "inbox"))
	if err != nil {
		return "", err
	}
	for _, node := range inboxNodes {
		hit, path, spec, err := findInDir(filepath.Join(root, "inbox", node), taskID)
		if err != nil {
			return "", err
		}
		if hit {
			return cancelPending(root, node, path, spec)
		}
	}

	claimedNodes, err := listNodeDirs(filepath.Join(root, "claimed"))
	if err != nil {
		return "", err
	}
	for _, node := range claimedNodes {
		hit, _, spec, err := findInDir(filepath.Join(root, "claimed", node), taskID)
		if err != nil {
			return "", err
		}
		if hit {
			return cancelRunning(root, node, spec)
		}
	}

	doneNodes, err := listNodeDirs(filepath.Join(root, "done"))
	if err != nil {
		return "", err
	}
	for _, node := range doneNodes {
		hit, err := existsInDone(filepath.Join(root, "done", node), taskID)
		if err != nil {
			return "", err
		}
		if hit {
			return OutcomeAlreadyDone, nil
		}
	}

	return OutcomeNotFound, nil
}

// listNodeDirs lists subdirectories (node names) under dir; a missing
// parent yields an empty list, matching fsutil.ListSorted's
// missing-directory convention.
func listNodeDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lqerrors.Wrap(lqerrors.ErrorCodeIO, "list node directories", err).WithDetails(dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func findInDir(dir, taskID string) (bool, string, model.TaskSpec, error) {
	names, err := fsutil.ListSorted(dir)
	if err != nil {
		return false, "", model.TaskSpec{}, err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		var spec model.TaskSpec
		if err := fsutil.ReadJSON(path, &spec); err != nil {
			continue
		}
		if spec.TaskID == taskID || strings.HasPrefix(spec.TaskID, taskID) {
			return true, path, spec, nil
		}
	}
	return false, "", model.TaskSpec{}, nil
}

func existsInDone(dir, taskID string) (bool, error) {
	names, err := fsutil.ListSorted(dir)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if strings.Contains(name, taskID) {
			return true, nil
		}
	}
	return false, nil
}

// cancelPending implements the PENDING branch: write a cancelled result,
// then remove the inbox spec. Invariant 1 is momentarily violated
// between the two (§4.4).
func cancelPending(root, node, specPath string, spec model.TaskSpec) (Outcome, error) {
	now := time.Now()
	result := model.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Command:        spec.Command,
		GPUsRequested:  spec.GPUs,
		Node:           node,
		StartedAt:      now.Unix(),
		FinishedAt:     now.Unix(),
		RuntimeS:       0,
		ExitCode:       -1,
	}

	stem := strings.TrimSuffix(filepath.Base(specPath), ".json")
	donePath := filepath.Join(root, "done", node, stem+".cancelled.json")
	if err := fsutil.AtomicWriteJSON(donePath, result); err != nil {
		return "", lqerrors.Wrap(lqerrors.ErrorCodeIO, "write cancelled result", err).WithTask(spec.TaskID)
	}
	if err := fsutil.RemoveIfExists(specPath); err != nil {
		return "", lqerrors.Wrap(lqerrors.ErrorCodeIO, "remove pending spec", err).WithTask(spec.TaskID)
	}
	return OutcomePending, nil
}

// cancelRunning implements the RUNNING branch: drop a cancel command
// into control/<node>/ for the runner to observe on its next tick.
func cancelRunning(root, node string, spec model.TaskSpec) (Outcome, error) {
	name := fmt.Sprintf("cancel_%s_%s.json", spec.TaskID, uuid.NewString())
	path := filepath.Join(root, "control", node, name)
	cmd := model.CancelCommand{TaskID: spec.TaskID, RequestedAt: time.Now().Unix()}
	if err := fsutil.AtomicWriteJSON(path, cmd); err != nil {
		return "", lqerrors.Wrap(lqerrors.ErrorCodeIO, "write cancel command", err).WithTask(spec.TaskID)
	}
	return OutcomeRunning, nil
}
