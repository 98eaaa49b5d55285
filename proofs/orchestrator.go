package proofs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/metrics"
	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/retry"
)

var (
	ErrQueueFull  = errors.New("proof queue full")
	ErrNotStarted = errors.New("orchestrator not started")
)

type Config struct {
	// MaxConcurrency is the number of proving jobs run at once.
	MaxConcurrency int
	// QueueSize bounds the number of jobs waiting for a worker.
	QueueSize int
	// MaxAttempts is the per-job retry ceiling for transient failures.
	MaxAttempts int
	// CacheSize is the number of completed artifacts kept in memory.
	CacheSize int
	// RetryStrategy spaces out attempts after a transient failure.
	RetryStrategy retry.Strategy
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		QueueSize:      64,
		MaxAttempts:    3,
		CacheSize:      128,
		RetryStrategy:  retry.Exponential(),
	}
}

func (c Config) Check() error {
	if c.MaxConcurrency <= 0 {
		return errors.New("max concurrency must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.CacheSize <= 0 {
		return errors.New("cache size must be positive")
	}
	if c.RetryStrategy == nil {
		return errors.New("retry strategy required")
	}
	return nil
}

// Orchestrator runs proving jobs through a bounded worker pool with
// single-flight deduplication by fingerprint. Completed artifacts land in
// an LRU cache so re-requests after completion are served without
// re-proving.
type Orchestrator struct {
	log    log.Logger
	cfg    Config
	m      metrics.Metricer
	clk    clock.Clock
	prover prover.Prover

	cache *lru.Cache[game.Fingerprint, game.Artifact]

	mu       sync.Mutex
	inflight map[game.Fingerprint]*Task
	queue    chan *Task

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(logger log.Logger, cfg Config, m metrics.Metricer, clk clock.Clock, p prover.Prover) (*Orchestrator, error) {
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	cache, err := lru.New[game.Fingerprint, game.Artifact](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create artifact cache: %w", err)
	}
	return &Orchestrator{
		log:      logger,
		cfg:      cfg,
		m:        m,
		clk:      clk,
		prover:   p,
		cache:    cache,
		inflight: make(map[game.Fingerprint]*Task),
		queue:    make(chan *Task, cfg.QueueSize),
	}, nil
}

func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already started")
	}
	ctx, o.cancel = context.WithCancel(ctx)
	for i := 0; i < o.cfg.MaxConcurrency; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	o.log.Info("Proof orchestrator started", "workers", o.cfg.MaxConcurrency, "queue", o.cfg.QueueSize)
	return nil
}

func (o *Orchestrator) Close() error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}
	o.cancel()
	o.wg.Wait()
	return nil
}

// Request schedules proving for req, deduplicating by fingerprint. A
// cached artifact returns an already-completed task.
func (o *Orchestrator) Request(req prover.Request) (*Task, error) {
	if !o.running.Load() {
		return nil, ErrNotStarted
	}
	if artifact, ok := o.cache.Get(req.Fingerprint); ok {
		return completedTask(req, artifact), nil
	}

	o.mu.Lock()
	if task, ok := o.inflight[req.Fingerprint]; ok {
		o.mu.Unlock()
		return task, nil
	}
	task := newTask(req)
	o.inflight[req.Fingerprint] = task
	o.mu.Unlock()

	select {
	case o.queue <- task:
		return task, nil
	default:
		o.forget(req.Fingerprint)
		task.fail(ErrQueueFull)
		return nil, fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, o.cfg.QueueSize)
	}
}

// Cancel aborts the in-flight job for fp. A run that already produced an
// artifact still populates the cache.
func (o *Orchestrator) Cancel(fp game.Fingerprint) {
	o.mu.Lock()
	task, ok := o.inflight[fp]
	if ok {
		delete(o.inflight, fp)
	}
	o.mu.Unlock()
	if ok {
		task.interrupt()
		task.fail(context.Canceled)
		o.log.Debug("Proving job cancelled", "fingerprint", fp)
	}
}

// Pending reports the number of jobs queued or running.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) forget(fp game.Fingerprint) {
	o.mu.Lock()
	delete(o.inflight, fp)
	o.mu.Unlock()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.queue:
			o.run(ctx, task)
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, task *Task) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !task.setRunning(cancel) {
		// Cancelled while still queued; nothing to prove.
		o.log.Debug("Skipping cancelled proving job", "fingerprint", task.Fingerprint())
		return
	}

	fp := task.Fingerprint()
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				o.forget(fp)
				task.fail(ctx.Err())
				return
			case <-o.clk.After(o.cfg.RetryStrategy.Duration(attempt - 1)):
			}
		}
		task.bumpAttempts()
		o.m.RecordProofAttempt()
		artifact, err := o.prover.Prove(ctx, task.req)
		if err == nil {
			// Cache even if the task was cancelled mid-run: the work is
			// done either way.
			o.cache.Add(fp, artifact)
			o.forget(fp)
			task.succeed(artifact)
			o.m.RecordProofCompleted(true)
			return
		}
		lastErr = err
		if errors.Is(err, prover.ErrPermanent) || ctx.Err() != nil {
			break
		}
		o.log.Warn("Proving attempt failed", "fingerprint", fp, "attempt", attempt+1, "err", err)
	}
	o.forget(fp)
	task.fail(fmt.Errorf("proving failed after %d attempts: %w", task.Attempts(), lastErr))
	o.m.RecordProofCompleted(false)
	o.log.Error("Proving job failed", "fingerprint", fp, "attempts", task.Attempts(), "err", lastErr)
}
