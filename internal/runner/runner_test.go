// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiwanChung/leaseq/internal/fsutil"
	"github.com/JiwanChung/leaseq/internal/lease"
	"github.com/JiwanChung/leaseq/internal/model"
	"github.com/JiwanChung/leaseq/pkg/config"
	lqerrors "github.com/JiwanChung/leaseq/pkg/errors"
	"github.com/JiwanChung/leaseq/pkg/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		HomeDir:      "/tmp/unused",
		RuntimeDir:   "/tmp/unused",
		TickInterval: 20 * time.Millisecond,
		CancelGrace:  50 * time.Millisecond,
		Version:      "test",
	}
}

func submitSpec(t *testing.T, root, node, taskID, command string, gpus uint) {
	t.Helper()
	spec := model.TaskSpec{
		TaskID:         taskID,
		IdempotencyKey: "lease-" + node + "-" + taskID,
		LeaseID:        "local:devbox",
		TargetNode:     node,
		Seq:            uint64(time.Now().UnixNano()),
		UUID:           uuid.NewString(),
		CreatedAt:      time.Now().Unix(),
		Command:        command,
		GPUs:           gpus,
	}
	name := fmt.Sprintf("%016d_%s_%s.json", spec.Seq, taskID, spec.UUID)
	path := filepath.Join(lease.InboxDir(root, node), name)
	require.NoError(t, fsutil.AtomicWriteJSON(path, spec))
}

func waitForDone(t *testing.T, root, node, taskID string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		names, _ := fsutil.ListSorted(lease.DoneDir(root, node))
		for _, n := range names {
			if len(n) > len(taskID) && filepath.Ext(n) == ".json" {
				if contains(n, taskID) && contains(n, "result") {
					return filepath.Join(lease.DoneDir(root, node), n)
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for result of task %s", taskID)
	return ""
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

// S1: happy path, a submitted task runs to completion with exit code 0.
func TestRunner_HappyPath(t *testing.T) {
	root := t.TempDir()
	node := "devbox"
	submitSpec(t, root, node, "T000001", "echo hello", 0)

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go r.Run(ctx)

	resultPath := waitForDone(t, root, node, "T000001", time.Second)
	var res model.TaskResult
	require.NoError(t, fsutil.ReadJSON(resultPath, &res))
	assert.Equal(t, int32(0), res.ExitCode)
	cancel()
}

// S2: a failing command records a non-zero exit code.
func TestRunner_FailureExitCode(t *testing.T) {
	root := t.TempDir()
	node := "devbox"
	submitSpec(t, root, node, "T000002", "exit 7", 0)

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go r.Run(ctx)

	resultPath := waitForDone(t, root, node, "T000002", time.Second)
	var res model.TaskResult
	require.NoError(t, fsutil.ReadJSON(resultPath, &res))
	assert.Equal(t, int32(7), res.ExitCode)
	cancel()
}

// S3: idempotency - a spec whose key is already in the dedup cache is
// skipped rather than re-executed.
func TestRunner_DedupSkipsAlreadyExecutedKey(t *testing.T) {
	root := t.TempDir()
	node := "devbox"

	existing := model.TaskResult{
		TaskID:         "T000000",
		IdempotencyKey: "lease-devbox-T000003",
		Command:        "echo old",
		Node:           node,
	}
	require.NoError(t, fsutil.AtomicWriteJSON(
		filepath.Join(lease.DoneDir(root, node), "0000000000000000_T000000_prior.result.json"), existing))

	submitSpec(t, root, node, "T000003", "echo new", 0)

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go r.Run(ctx)

	deadline := time.Now().Add(time.Second)
	var skippedFound bool
	for time.Now().Before(deadline) {
		names, _ := fsutil.ListSorted(lease.DoneDir(root, node))
		for _, n := range names {
			if contains(n, "T000003") && contains(n, "skipped") {
				skippedFound = true
			}
		}
		if skippedFound {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, skippedFound, "expected a skipped result for the duplicate idempotency key")
	cancel()
}

// Invariant 1: at most one runner claims a given inbox entry; once another
// claimant has renamed the entry out of the inbox, this runner finds
// nothing to claim and stays idle instead of executing it a second time.
func TestTryClaimAndExecute_LostRaceIsIdle(t *testing.T) {
	root := t.TempDir()
	node := "devbox"
	submitSpec(t, root, node, "T000004", "echo race", 0)

	names, err := fsutil.ListSorted(lease.InboxDir(root, node))
	require.NoError(t, err)
	require.Len(t, names, 1)

	src := filepath.Join(lease.InboxDir(root, node), names[0])
	dst := filepath.Join(lease.ClaimedDir(root, node), names[0])
	require.NoError(t, fsutil.Rename(src, dst))

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	r.tryClaimAndExecute()

	assert.Nil(t, r.current, "a lost claim race must not start execution")
}

// Invariant 5: heartbeat and result files are always valid JSON, never
// partially written, because writes go through fsutil.AtomicWriteJSON.
func TestEmitHeartbeat_WritesValidJSON(t *testing.T) {
	root := t.TempDir()
	node := "devbox"
	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})

	r.emitHeartbeat()

	var hb model.Heartbeat
	require.NoError(t, fsutil.ReadJSON(lease.HeartbeatPath(root, node), &hb))
	assert.Equal(t, node, hb.Node)
	assert.Equal(t, os.Getpid(), hb.RunnerPID)
}

// Testable property 6 (spec.md §8): while a task executes for >=10s,
// consecutive heartbeat reads separated by >=6s show strictly increasing
// ts. The runner's tick loop must never block on the child process wait.
func TestRunner_HeartbeatAdvancesDuringExecution(t *testing.T) {
	root := t.TempDir()
	node := "devbox"
	submitSpec(t, root, node, "T000005", "sleep 10", 0)

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go r.Run(ctx)

	var first model.Heartbeat
	require.Eventually(t, func() bool {
		return fsutil.ReadJSON(lease.HeartbeatPath(root, node), &first) == nil && first.RunningTaskID == "T000005"
	}, time.Second, 5*time.Millisecond)

	firstTs := first.Ts
	time.Sleep(6 * time.Second)

	var second model.Heartbeat
	require.NoError(t, fsutil.ReadJSON(lease.HeartbeatPath(root, node), &second))
	require.Equal(t, "T000005", second.RunningTaskID, "task must still be running at the second read")
	assert.Greater(t, second.Ts, firstTs, "heartbeat ts must strictly advance while the task executes")

	waitForDone(t, root, node, "T000005", 10*time.Second)
	cancel()
}

func TestGuardSingleWriter_AllowsStaleDuplicate(t *testing.T) {
	root := t.TempDir()
	node := "devbox"

	hb := model.Heartbeat{
		Node:      node,
		Ts:        time.Now().Unix(),
		RunnerPID: os.Getpid() + 1000000, // unlikely to be alive
		Version:   "other",
	}
	require.NoError(t, fsutil.AtomicWriteJSON(lease.HeartbeatPath(root, node), hb))

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	err := r.guardSingleWriter()
	assert.NoError(t, err, "a stale pid must not block startup")
}

func TestGuardSingleWriter_RejectsLiveDuplicate(t *testing.T) {
	root := t.TempDir()
	node := "devbox"

	// os.Getpid() (this test process) is genuinely alive; give the Runner
	// a distinct pid so guardSingleWriter treats the heartbeat as owned
	// by another live runner instead of itself.
	hb := model.Heartbeat{
		Node:      node,
		Ts:        time.Now().Unix(),
		RunnerPID: os.Getpid(),
		Version:   "other",
	}
	require.NoError(t, fsutil.AtomicWriteJSON(lease.HeartbeatPath(root, node), hb))

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	r.pid = os.Getpid() + 1

	err := r.guardSingleWriter()
	require.Error(t, err)
	lqErr, ok := err.(*lqerrors.LeaseQError)
	require.True(t, ok, "expected a *lqerrors.LeaseQError")
	assert.Equal(t, lqerrors.ErrorCodeUnrecoverableSetup, lqErr.Code)
}

func TestWarmDedupCache_PopulatesFromDoneDirectory(t *testing.T) {
	root := t.TempDir()
	node := "devbox"

	res := model.TaskResult{TaskID: "T1", IdempotencyKey: "key-1", Node: node}
	require.NoError(t, fsutil.AtomicWriteJSON(
		filepath.Join(lease.DoneDir(root, node), "0001_T1_u.result.json"), res))

	r := New(testConfig(), "local:devbox", node, root, logging.NoOpLogger{})
	r.warmDedupCache()

	_, ok := r.executedKeys["key-1"]
	assert.True(t, ok)
}

func TestGpusAssigned(t *testing.T) {
	assert.Equal(t, "", gpusAssigned(0))
	assert.Equal(t, "0", gpusAssigned(1))
	assert.Equal(t, "0,1,2", gpusAssigned(3))
}

func TestRequestCancel_WritesControlFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, RequestCancel(root, "devbox", "T000001"))

	names, err := fsutil.ListSorted(lease.ControlDir(root, "devbox"))
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Contains(t, names[0], "cancel_T000001_")
}
