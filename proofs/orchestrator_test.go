package proofs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/metrics"
	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/retry"
	"github.com/zkrollup/zkdispute/testlog"
)

type stubProver struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req prover.Request) (game.Artifact, error)
}

func (s *stubProver) Prove(ctx context.Context, req prover.Request) (game.Artifact, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, req)
}

func (s *stubProver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func request(id byte) prover.Request {
	return prover.Request{
		Fingerprint:       game.Fingerprint{id},
		ClaimedOutputRoot: common.Hash{id},
		ClaimedL2Number:   uint64(id) * 100,
	}
}

func artifactFor(req prover.Request) game.Artifact {
	return game.Artifact{
		Fingerprint: req.Fingerprint,
		Journal: game.ProofJournal{
			ClaimedOutputRoot:  req.ClaimedOutputRoot,
			ComputedOutputRoot: req.ClaimedOutputRoot,
			ClaimedL2Number:    req.ClaimedL2Number,
		},
		Seal: []byte{0x01},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.RetryStrategy = retry.Fixed(time.Millisecond)
	return cfg
}

func startOrchestrator(t *testing.T, cfg Config, p prover.Prover) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(testlog.Logger(t, log.LevelError), cfg, metrics.NoopMetrics, clock.SystemClock, p)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestOrchestrator_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		select {
		case <-release:
			return artifactFor(req), nil
		case <-ctx.Done():
			return game.Artifact{}, ctx.Err()
		}
	}}
	o := startOrchestrator(t, testConfig(), p)

	first, err := o.Request(request(1))
	require.NoError(t, err)
	dup, err := o.Request(request(1))
	require.NoError(t, err)
	require.Same(t, first, dup)

	other, err := o.Request(request(2))
	require.NoError(t, err)
	require.NotSame(t, first, other)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := first.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, game.Fingerprint{1}, a.Fingerprint)
	_, err = other.Wait(ctx)
	require.NoError(t, err)

	// One proving run per fingerprint despite the duplicate request.
	require.Equal(t, 2, p.callCount())
}

func TestOrchestrator_CachesCompletedArtifacts(t *testing.T) {
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		return artifactFor(req), nil
	}}
	o := startOrchestrator(t, testConfig(), p)

	task, err := o.Request(request(1))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	want, err := task.Wait(ctx)
	require.NoError(t, err)

	cached, err := o.Request(request(1))
	require.NoError(t, err)
	require.Equal(t, TaskSucceeded, cached.Status())
	got, err := cached.Result()
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, 1, p.callCount())
}

func TestOrchestrator_RetriesTransientFailures(t *testing.T) {
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		return game.Artifact{}, errors.New("backend unavailable")
	}}
	o := startOrchestrator(t, testConfig(), p)

	task, err := o.Request(request(1))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = task.Wait(ctx)
	require.ErrorContains(t, err, "backend unavailable")
	require.Equal(t, 3, task.Attempts())
	require.Equal(t, TaskFailed, task.Status())
	require.Zero(t, o.Pending())
}

func TestOrchestrator_RecoversAfterTransientFailure(t *testing.T) {
	p := &stubProver{}
	p.fn = func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		if p.callCount() < 3 {
			return game.Artifact{}, errors.New("backend unavailable")
		}
		return artifactFor(req), nil
	}
	o := startOrchestrator(t, testConfig(), p)

	task, err := o.Request(request(1))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = task.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, task.Attempts())
}

func TestOrchestrator_PermanentFailureStopsRetrying(t *testing.T) {
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		return game.Artifact{}, prover.Permanent(errors.New("claim out of range"))
	}}
	o := startOrchestrator(t, testConfig(), p)

	task, err := o.Request(request(1))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = task.Wait(ctx)
	require.ErrorIs(t, err, prover.ErrPermanent)
	require.Equal(t, 1, task.Attempts())
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{})
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		close(started)
		<-ctx.Done()
		return game.Artifact{}, ctx.Err()
	}}
	o := startOrchestrator(t, testConfig(), p)

	task, err := o.Request(request(1))
	require.NoError(t, err)
	<-started
	o.Cancel(game.Fingerprint{1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = task.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// A fresh request reproves.
	done := make(chan struct{})
	p.mu.Lock()
	p.fn = func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		defer close(done)
		return artifactFor(req), nil
	}
	p.mu.Unlock()
	retried, err := o.Request(request(1))
	require.NoError(t, err)
	require.NotSame(t, task, retried)
	_, err = retried.Wait(ctx)
	require.NoError(t, err)
	<-done
}

func TestOrchestrator_CancelWhileQueued(t *testing.T) {
	// A job cancelled before any worker picks it up must be dropped when
	// it is finally dequeued, not re-run over its terminal state.
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return artifactFor(req), nil
		case <-ctx.Done():
			return game.Artifact{}, ctx.Err()
		}
	}}
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o := startOrchestrator(t, cfg, p)

	running, err := o.Request(request(1))
	require.NoError(t, err)
	<-started

	queued, err := o.Request(request(2))
	require.NoError(t, err)
	o.Cancel(game.Fingerprint{2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = queued.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	_, err = running.Wait(ctx)
	require.NoError(t, err)

	// The worker survives draining the cancelled job, which stays failed
	// and was never proven; a fresh request goes through normally.
	retried, err := o.Request(request(2))
	require.NoError(t, err)
	require.NotSame(t, queued, retried)
	_, err = retried.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, TaskFailed, queued.Status())
	require.Zero(t, queued.Attempts())
	require.Equal(t, 2, p.callCount())
}

func TestOrchestrator_LateSuccessStillCached(t *testing.T) {
	// Cancelling a run that completes anyway must not discard the artifact.
	proving := make(chan struct{})
	release := make(chan struct{})
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		close(proving)
		<-release
		return artifactFor(req), nil
	}}
	o := startOrchestrator(t, testConfig(), p)

	task, err := o.Request(request(1))
	require.NoError(t, err)
	<-proving
	o.Cancel(game.Fingerprint{1})
	require.Equal(t, TaskFailed, task.Status())
	close(release)

	// The run finishes and caches despite the cancelled task.
	require.Eventually(t, func() bool {
		cached, err := o.Request(request(1))
		return err == nil && cached.Status() == TaskSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, p.callCount())
}

func TestOrchestrator_QueueFull(t *testing.T) {
	release := make(chan struct{})
	p := &stubProver{fn: func(ctx context.Context, req prover.Request) (game.Artifact, error) {
		select {
		case <-release:
			return artifactFor(req), nil
		case <-ctx.Done():
			return game.Artifact{}, ctx.Err()
		}
	}}
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.QueueSize = 1
	o := startOrchestrator(t, cfg, p)

	running, err := o.Request(request(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Status() == TaskRunning }, 5*time.Second, time.Millisecond)

	_, err = o.Request(request(2))
	require.NoError(t, err)
	_, err = o.Request(request(3))
	require.ErrorIs(t, err, ErrQueueFull)

	// A rejected job is not stuck in flight; it can be requested again
	// once the queue drains.
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = running.Wait(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := o.Request(request(3))
		return err == nil
	}, 5*time.Second, time.Millisecond)
}
