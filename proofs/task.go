package proofs

import (
	"context"
	"sync"

	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/prover"
)

type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskSucceeded
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task tracks one proving job from enqueue to completion. Every caller
// that requests the same fingerprint while the job is in flight shares
// the same task.
type Task struct {
	req  prover.Request
	done chan struct{}

	mu       sync.Mutex
	status   TaskStatus
	attempts int
	artifact game.Artifact
	err      error
	cancel   context.CancelFunc
}

func newTask(req prover.Request) *Task {
	return &Task{req: req, done: make(chan struct{})}
}

func completedTask(req prover.Request, artifact game.Artifact) *Task {
	t := newTask(req)
	t.succeed(artifact)
	return t
}

func (t *Task) Fingerprint() game.Fingerprint {
	return t.req.Fingerprint
}

func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Attempts reports how many proving runs have started.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Done closes once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) (game.Artifact, error) {
	select {
	case <-ctx.Done():
		return game.Artifact{}, ctx.Err()
	case <-t.done:
	}
	return t.Result()
}

// Result returns the outcome of a completed task. Before completion it
// returns the zero artifact and a nil error.
func (t *Task) Result() (game.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.artifact, t.err
}

// setRunning transitions a pending task to running. It reports false if
// the task was already cancelled or completed, in which case the job must
// not run.
func (t *Task) setRunning(cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskSucceeded || t.status == TaskFailed {
		return false
	}
	t.status = TaskRunning
	t.cancel = cancel
	return true
}

func (t *Task) bumpAttempts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
}

func (t *Task) succeed(artifact game.Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskSucceeded || t.status == TaskFailed {
		return
	}
	t.status = TaskSucceeded
	t.artifact = artifact
	close(t.done)
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskSucceeded || t.status == TaskFailed {
		return
	}
	t.status = TaskFailed
	t.err = err
	close(t.done)
}

// interrupt cancels the in-flight proving run, if any.
func (t *Task) interrupt() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
