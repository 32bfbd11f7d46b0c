// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package runner implements the per-node claim/execute/archive loop: the
// core algorithm of leaseq.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/JiwanChung/leaseq/internal/fsutil"
	"github.com/JiwanChung/leaseq/internal/lease"
	"github.com/JiwanChung/leaseq/internal/model"
	"github.com/JiwanChung/leaseq/pkg/config"
	lqerrors "github.com/JiwanChung/leaseq/pkg/errors"
	"github.com/JiwanChung/leaseq/pkg/logging"
)

// staleHeartbeat is the fixed 120s threshold spec.md §4.2.1 names for
// stuck-detection, submitter node-selection and zombie reclamation.
const staleHeartbeat = 120 * time.Second

// Runner owns exactly one node's subtrees under the lease root.
type Runner struct {
	cfg     *config.Config
	leaseID string
	node    string
	root    string
	logger  logging.Logger
	pid     int

	mu           sync.Mutex
	executedKeys map[string]struct{}

	current *runningTask
	doneCh  chan executeResult
}

type runningTask struct {
	spec      model.TaskSpec
	claimPath string
	startedAt time.Time
	cmd       *exec.Cmd
	cancelled bool
	killTimer *time.Timer
	completed atomic.Bool
}

type executeResult struct {
	spec       model.TaskSpec
	claimPath  string
	startedAt  time.Time
	finishedAt time.Time
	exitCode   int32
}

// New creates a Runner for the given lease/node, rooted at root.
func New(cfg *config.Config, leaseID, node, root string, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Runner{
		cfg:          cfg,
		leaseID:      leaseID,
		node:         node,
		root:         root,
		logger:       logger,
		pid:          os.Getpid(),
		executedKeys: make(map[string]struct{}),
		doneCh:       make(chan executeResult, 1),
	}
}

// Run executes startup recovery and then the tick loop until ctx is
// cancelled. It returns a non-nil error only for unrecoverable setup
// failures (§7).
func (r *Runner) Run(ctx context.Context) error {
	if err := r.guardSingleWriter(); err != nil {
		return err
	}
	if err := r.reclaimZombies(); err != nil {
		return err
	}
	r.warmDedupCache()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.emitHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.emitHeartbeat()
			r.scanCancellations()
			if r.current == nil {
				r.tryClaimAndExecute()
			}
		case res := <-r.doneCh:
			r.finishExecute(res)
		}
	}
}

// guardSingleWriter refuses startup if another live runner already owns
// this node's heartbeat (resolves the Open Question in spec.md §9: a
// concurrently-starting second runner for the same node must not corrupt
// invariant 5).
func (r *Runner) guardSingleWriter() error {
	var hb model.Heartbeat
	path := lease.HeartbeatPath(r.root, r.node)
	err := fsutil.ReadJSON(path, &hb)
	if err != nil {
		// Missing or malformed heartbeat: nothing to guard against.
		return nil
	}

	fresh := time.Since(time.Unix(hb.Ts, 0)) < staleHeartbeat
	if fresh && hb.RunnerPID != r.pid && processAlive(hb.RunnerPID) {
		return lqerrors.New(lqerrors.ErrorCodeUnrecoverableSetup,
			fmt.Sprintf("node %q already has an active runner (pid %d)", r.node, hb.RunnerPID)).WithNode(r.node)
	}
	return nil
}

// reclaimZombies moves claimed/<node>/ entries left by a crashed runner
// back into inbox/<node>/, per spec.md §9. Entries are reclaimed only
// when the node's heartbeat is absent, or is stale and names a pid that
// is no longer alive.
func (r *Runner) reclaimZombies() error {
	var hb model.Heartbeat
	if err := fsutil.ReadJSON(lease.HeartbeatPath(r.root, r.node), &hb); err == nil && hb.RunnerPID != r.pid {
		stale := time.Since(time.Unix(hb.Ts, 0)) >= staleHeartbeat
		if !stale || processAlive(hb.RunnerPID) {
			r.logger.Warn("skipping zombie reclamation: previous runner may still be active", "pid", hb.RunnerPID)
			return nil
		}
	}

	names, err := fsutil.ListSorted(lease.ClaimedDir(r.root, r.node))
	if err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeUnrecoverableSetup, "list claimed directory", err).WithNode(r.node)
	}
	for _, name := range names {
		src := filepath.Join(lease.ClaimedDir(r.root, r.node), name)
		dst := filepath.Join(lease.InboxDir(r.root, r.node), name)
		if err := fsutil.Rename(src, dst); err != nil {
			r.logger.Warn("zombie reclamation failed", "file", name, "error", err.Error())
			continue
		}
		r.logger.Info("reclaimed zombie task", "file", name)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// warmDedupCache scans done/<node>/*.result.json so a restart never
// re-executes an idempotency key.
func (r *Runner) warmDedupCache() {
	names, err := fsutil.ListSorted(lease.DoneDir(r.root, r.node))
	if err != nil {
		r.logger.Warn("dedup warmup: list done directory failed", "error", err.Error())
		return
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".result.json") {
			continue
		}
		var res model.TaskResult
		path := filepath.Join(lease.DoneDir(r.root, r.node), name)
		if err := fsutil.ReadJSON(path, &res); err != nil {
			r.logger.Warn("dedup warmup: decode failed", "file", name, "error", err.Error())
			continue
		}
		r.executedKeys[res.IdempotencyKey] = struct{}{}
	}
}

func (r *Runner) emitHeartbeat() {
	hb := model.Heartbeat{
		Node:            r.node,
		Ts:              time.Now().Unix(),
		PendingEstimate: r.pendingEstimate(),
		RunnerPID:       r.pid,
		Version:         r.cfg.Version,
	}
	if r.current != nil {
		hb.RunningTaskID = r.current.spec.TaskID
	}
	if err := fsutil.AtomicWriteJSON(lease.HeartbeatPath(r.root, r.node), hb); err != nil {
		logging.LogError(r.logger, err, "emit-heartbeat", "node", r.node)
	}
}

func (r *Runner) pendingEstimate() uint {
	names, err := fsutil.ListSorted(lease.InboxDir(r.root, r.node))
	if err != nil {
		return 0
	}
	return uint(len(names))
}

// tryClaimAndExecute polls inbox/<node>/ and, on a successful claim,
// starts the task's execution concurrently with the tick loop.
func (r *Runner) tryClaimAndExecute() {
	names, err := fsutil.ListSorted(lease.InboxDir(r.root, r.node))
	if err != nil {
		logging.LogError(r.logger, err, "poll-and-claim", "node", r.node)
		return
	}
	if len(names) == 0 {
		return
	}

	name := names[0]
	src := filepath.Join(lease.InboxDir(r.root, r.node), name)
	dst := filepath.Join(lease.ClaimedDir(r.root, r.node), name)

	if err := fsutil.Rename(src, dst); err != nil {
		if lqErr, ok := err.(*lqerrors.LeaseQError); ok && lqErr.Code == lqerrors.ErrorCodeClaimRace {
			r.logger.Warn("lost claim race, treating as idle", "file", name)
			return
		}
		logging.LogError(r.logger, err, "poll-and-claim", "node", r.node, "file", name)
		return
	}

	var spec model.TaskSpec
	if err := fsutil.ReadJSON(dst, &spec); err != nil {
		// Spec decode failure: leave it in claimed/ for operator follow-up,
		// produce no result file.
		logging.LogError(r.logger, err, "decode-claimed-spec", "node", r.node, "file", name)
		return
	}

	r.mu.Lock()
	_, seen := r.executedKeys[spec.IdempotencyKey]
	r.mu.Unlock()

	if seen {
		r.skipDuplicate(spec, dst)
		return
	}

	r.startExecute(spec, dst)
}

// skipDuplicate handles §4.2.3: a spec whose idempotency key has already
// produced an executed result is recorded as skipped, never spawned.
func (r *Runner) skipDuplicate(spec model.TaskSpec, claimPath string) {
	now := time.Now()
	result := model.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Command:        spec.Command,
		GPUsRequested:  spec.GPUs,
		Node:           r.node,
		StartedAt:      now.Unix(),
		FinishedAt:     now.Unix(),
		RuntimeS:       0,
		ExitCode:       0,
		GPUsAssigned:   "",
	}

	stem := strings.TrimSuffix(filepath.Base(claimPath), ".json")
	skippedPath := filepath.Join(lease.DoneDir(r.root, r.node), stem+".skipped.json")
	if err := fsutil.AtomicWriteJSON(skippedPath, result); err != nil {
		logging.LogError(r.logger, err, "write-skipped-result", "node", r.node, "task_id", spec.TaskID)
		return
	}

	archivePath := filepath.Join(lease.DoneDir(r.root, r.node), filepath.Base(claimPath))
	if err := fsutil.Rename(claimPath, archivePath); err != nil {
		logging.LogError(r.logger, err, "archive-skipped-spec", "node", r.node, "task_id", spec.TaskID)
	}

	r.logger.Info("skipped duplicate task", "task_id", spec.TaskID, "idempotency_key", spec.IdempotencyKey)
}

// startExecute spawns the task's command and waits on it from a
// dedicated goroutine so the tick loop's heartbeat cadence is never
// blocked by the child process (spec.md §9, §5).
func (r *Runner) startExecute(spec model.TaskSpec, claimPath string) {
	stdoutPath := lease.StdoutLogPath(r.root, spec.TaskID)
	stderrPath := lease.StderrLogPath(r.root, spec.TaskID)

	if err := os.MkdirAll(lease.LogsDir(r.root), 0o755); err != nil {
		logging.LogError(r.logger, err, "create-logs-dir", "node", r.node, "task_id", spec.TaskID)
		return
	}

	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		logging.LogError(r.logger, err, "open-stdout-log", "node", r.node, "task_id", spec.TaskID)
		return
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		stdout.Close()
		logging.LogError(r.logger, err, "open-stderr-log", "node", r.node, "task_id", spec.TaskID)
		return
	}

	cmd := exec.Command("bash", "-lc", spec.Command)
	if spec.Cwd != "" {
		if _, statErr := os.Stat(spec.Cwd); statErr == nil {
			cmd.Dir = spec.Cwd
		}
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		r.recordSpawnFailure(spec, claimPath, startedAt, err)
		return
	}

	task := &runningTask{
		spec:      spec,
		claimPath: claimPath,
		startedAt: startedAt,
		cmd:       cmd,
	}
	r.current = task

	logging.LogTaskEvent(r.logger, "started", spec.TaskID, r.node).Info("task started")

	go func() {
		waitErr := cmd.Wait()
		task.completed.Store(true)
		stdout.Close()
		stderr.Close()
		r.doneCh <- executeResult{
			spec:       spec,
			claimPath:  claimPath,
			startedAt:  startedAt,
			finishedAt: time.Now(),
			exitCode:   exitCodeOf(waitErr),
		}
	}()
}

// mergeEnv layers spec.Env over the inherited process environment,
// spec.Env winning on key collision.
func mergeEnv(inherited []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(inherited)+len(overrides))
	for _, kv := range inherited {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func exitCodeOf(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return int32(exitErr.ExitCode())
	}
	// Killed by signal with no surfaced code, or failed to start.
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func (r *Runner) recordSpawnFailure(spec model.TaskSpec, claimPath string, startedAt time.Time, spawnErr error) {
	finishedAt := time.Now()
	stderrPath := lease.StderrLogPath(r.root, spec.TaskID)
	if err := os.WriteFile(stderrPath, []byte(spawnErr.Error()+"\n"), 0o644); err != nil {
		logging.LogError(r.logger, err, "write-spawn-error-log", "node", r.node, "task_id", spec.TaskID)
	}

	result := model.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Command:        spec.Command,
		GPUsRequested:  spec.GPUs,
		Node:           r.node,
		StartedAt:      startedAt.Unix(),
		FinishedAt:     finishedAt.Unix(),
		RuntimeS:       finishedAt.Sub(startedAt).Seconds(),
		ExitCode:       -1,
		Stdout:         relLogPath(lease.StdoutLogPath(r.root, spec.TaskID), r.root),
		Stderr:         relLogPath(stderrPath, r.root),
		GPUsAssigned:   gpusAssigned(spec.GPUs),
	}

	r.writeResultAndArchive(spec, claimPath, result)
	logging.LogError(r.logger, lqerrors.Wrap(lqerrors.ErrorCodeSpawn, "spawn failed", spawnErr).WithTask(spec.TaskID), "execute", "node", r.node)
}

// finishExecute runs on the tick-loop goroutine once a child's Wait()
// result arrives on doneCh.
func (r *Runner) finishExecute(res executeResult) {
	r.mu.Lock()
	r.executedKeys[res.spec.IdempotencyKey] = struct{}{}
	r.mu.Unlock()

	if r.current != nil && r.current.killTimer != nil {
		r.current.killTimer.Stop()
	}

	result := model.TaskResult{
		TaskID:         res.spec.TaskID,
		IdempotencyKey: res.spec.IdempotencyKey,
		Command:        res.spec.Command,
		GPUsRequested:  res.spec.GPUs,
		Node:           r.node,
		StartedAt:      res.startedAt.Unix(),
		FinishedAt:     res.finishedAt.Unix(),
		RuntimeS:       res.finishedAt.Sub(res.startedAt).Seconds(),
		ExitCode:       res.exitCode,
		Stdout:         relLogPath(lease.StdoutLogPath(r.root, res.spec.TaskID), r.root),
		Stderr:         relLogPath(lease.StderrLogPath(r.root, res.spec.TaskID), r.root),
		GPUsAssigned:   gpusAssigned(res.spec.GPUs),
	}

	r.writeResultAndArchive(res.spec, res.claimPath, result)
	r.current = nil
	r.emitHeartbeat()

	logging.LogTaskEvent(r.logger, "finished", res.spec.TaskID, r.node, "exit_code", res.exitCode).Info("task finished")
}

func (r *Runner) writeResultAndArchive(spec model.TaskSpec, claimPath string, result model.TaskResult) {
	stem := strings.TrimSuffix(filepath.Base(claimPath), ".json")
	resultPath := filepath.Join(lease.DoneDir(r.root, r.node), stem+".result.json")
	if err := fsutil.AtomicWriteJSON(resultPath, result); err != nil {
		logging.LogError(r.logger, err, "write-result", "node", r.node, "task_id", spec.TaskID)
		return
	}

	archivePath := filepath.Join(lease.DoneDir(r.root, r.node), filepath.Base(claimPath))
	if err := fsutil.Rename(claimPath, archivePath); err != nil {
		logging.LogError(r.logger, err, "archive-spec", "node", r.node, "task_id", spec.TaskID)
	}
}

func relLogPath(abs, root string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return rel
}

// gpusAssigned is the placeholder GPU-index policy spec.md §9 records as
// such: a comma-joined range [0, gpus) or empty when gpus == 0.
func gpusAssigned(gpus uint) string {
	if gpus == 0 {
		return ""
	}
	idxs := make([]string, gpus)
	for i := uint(0); i < gpus; i++ {
		idxs[i] = fmt.Sprintf("%d", i)
	}
	return strings.Join(idxs, ",")
}

// scanCancellations consumes control/<node>/cancel_*.json files that
// target the currently running task (§4.2.5).
func (r *Runner) scanCancellations() {
	if r.current == nil {
		return
	}

	controlDir := lease.ControlDir(r.root, r.node)
	names, err := fsutil.ListSorted(controlDir)
	if err != nil {
		return
	}

	for _, name := range names {
		if !strings.HasPrefix(name, "cancel_") {
			continue
		}
		path := filepath.Join(controlDir, name)
		var cmd model.CancelCommand
		if err := fsutil.ReadJSON(path, &cmd); err != nil {
			continue
		}
		if !strings.HasPrefix(r.current.spec.TaskID, cmd.TaskID) && cmd.TaskID != r.current.spec.TaskID {
			continue
		}

		fsutil.RemoveIfExists(path)
		r.signalCancel()
	}
}

func (r *Runner) signalCancel() {
	task := r.current
	if task == nil || task.cancelled {
		return
	}
	task.cancelled = true
	proc := task.cmd.Process
	if proc == nil {
		return
	}
	proc.Signal(syscall.SIGTERM)
	// The timer fires on its own goroutine, concurrently with the tick
	// loop and the cmd.Wait() goroutine; it must only touch the captured
	// task and its atomic completed flag, never r.current or cmd.ProcessState
	// (both mutated by other goroutines without this lock).
	task.killTimer = time.AfterFunc(r.cfg.CancelGrace, func() {
		if !task.completed.Load() {
			proc.Signal(syscall.SIGKILL)
		}
	})
}

// RequestCancel records a cancel request for taskID by writing a cancel
// command directly into control/<node>/. The CLI cancels through
// internal/cancel; tests use this to drive cancellation without it.
func RequestCancel(root, node, taskID string) error {
	name := fmt.Sprintf("cancel_%s_%s.json", taskID, uuid.NewString())
	path := filepath.Join(lease.ControlDir(root, node), name)
	return fsutil.AtomicWriteJSON(path, model.CancelCommand{
		TaskID:      taskID,
		RequestedAt: time.Now().Unix(),
	})
}
