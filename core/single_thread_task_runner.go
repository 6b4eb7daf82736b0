package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const defaultWorkQueueSize = 100

// SingleThreadTaskRunner binds a dedicated goroutine to execute tasks
// sequentially. It plays the foreground actor: a presentation backend posts
// its interval check, key handling and page presentation here so that all of
// them touch the finished document from the same goroutine.
type SingleThreadTaskRunner struct {
	workQueue   chan Task
	urgentQueue chan Task

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	name         string
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler

	executed     atomic.Uint64
	panics       atomic.Uint64
	mu           sync.Mutex
	lastTaskAt   time.Time
	lastDuration time.Duration
}

// RunnerOption configures a SingleThreadTaskRunner.
type RunnerOption func(*SingleThreadTaskRunner)

// WithRunnerName sets the name used in logs and metrics.
func WithRunnerName(name string) RunnerOption {
	return func(r *SingleThreadTaskRunner) { r.name = name }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l Logger) RunnerOption {
	return func(r *SingleThreadTaskRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRunnerMetrics sets the metrics sink.
func WithRunnerMetrics(m Metrics) RunnerOption {
	return func(r *SingleThreadTaskRunner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRunnerPanicHandler sets the handler for panicking tasks.
func WithRunnerPanicHandler(h PanicHandler) RunnerOption {
	return func(r *SingleThreadTaskRunner) {
		if h != nil {
			r.panicHandler = h
		}
	}
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner(opts ...RunnerOption) *SingleThreadTaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		workQueue:    make(chan Task, defaultWorkQueueSize),
		urgentQueue:  make(chan Task, defaultWorkQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
		name:         "foreground",
		logger:       NewNoOpLogger(),
		metrics:      &NilMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.panicHandler == nil {
		r.panicHandler = &DefaultPanicHandler{Logger: r.logger}
	}

	go r.runLoop()

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	return r.name
}

// PostTask submits a task for execution
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits a task. UserBlocking tasks jump ahead of
// queued tasks of lower priority; tasks of equal priority run in FIFO order.
func (r *SingleThreadTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	if r.closed.Load() {
		r.logger.Debug("task dropped, runner closed", F("runner", r.name), F("priority", traits.Priority))
		return
	}

	queue := r.workQueue
	if traits.Priority == TaskPriorityUserBlocking {
		queue = r.urgentQueue
	}
	select {
	case <-r.ctx.Done():
		return
	case queue <- task:
	}
}

// PostDelayedTask submits a delayed task
func (r *SingleThreadTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits submits a delayed task with traits.
func (r *SingleThreadTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if r.closed.Load() {
		return
	}

	select {
	case <-r.ctx.Done():
		return
	default:
		time.AfterFunc(delay, func() {
			r.PostTaskWithTraits(task, traits)
		})
	}
}

// PostRepeatingTask submits a task that repeats at a fixed interval
func (r *SingleThreadTaskRunner) PostRepeatingTask(task Task, interval time.Duration) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval, DefaultTaskTraits())
}

// PostRepeatingTaskWithInitialDelay submits a repeating task with an initial delay
func (r *SingleThreadTaskRunner) PostRepeatingTaskWithInitialDelay(
	task Task,
	initialDelay, interval time.Duration,
	traits TaskTraits,
) RepeatingTaskHandle {
	handle := &singleThreadRepeatingHandle{
		runner:   r,
		task:     task,
		interval: interval,
		traits:   traits,
	}

	repeatingTask := handle.createRepeatingTask()
	if initialDelay > 0 {
		r.PostDelayedTaskWithTraits(repeatingTask, initialDelay, traits)
	} else {
		r.PostTaskWithTraits(repeatingTask, traits)
	}

	return handle
}

// Shutdown marks the runner as closed and signals shutdown waiters.
// It may be called from a task running on the runner itself; queued tasks
// are dropped once the loop observes the cancelled context.
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been shut down or stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop shuts the runner down and waits for the current task to finish.
// It must not be called from a task on this runner.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.Shutdown()
		<-r.stopped
	})
}

// Stats returns a snapshot of the runner.
func (r *SingleThreadTaskRunner) Stats() RunnerStats {
	r.mu.Lock()
	lastAt, lastDur := r.lastTaskAt, r.lastDuration
	r.mu.Unlock()

	return RunnerStats{
		Name:         r.name,
		Pending:      len(r.workQueue) + len(r.urgentQueue),
		Executed:     r.executed.Load(),
		Panics:       r.panics.Load(),
		Closed:       r.closed.Load(),
		LastTaskAt:   lastAt,
		LastDuration: lastDur,
	}
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped)

	runCtx := context.WithValue(r.ctx, taskRunnerKey, r)

	for {
		select {
		case task := <-r.urgentQueue:
			r.execute(runCtx, task)
			continue
		case <-r.ctx.Done():
			return
		default:
		}

		select {
		case task := <-r.urgentQueue:
			r.execute(runCtx, task)
		case task := <-r.workQueue:
			r.execute(runCtx, task)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *SingleThreadTaskRunner) execute(ctx context.Context, task Task) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.metrics.RecordTaskPanic(r.name, rec)
			r.panicHandler.HandlePanic(ctx, r.name, 0, rec, debug.Stack())
		}
		r.executed.Add(1)
		r.mu.Lock()
		r.lastTaskAt = start
		r.lastDuration = time.Since(start)
		r.mu.Unlock()
	}()
	task(ctx)
}

// =============================================================================
// Repeating Task Handle for SingleThreadTaskRunner
// =============================================================================

type singleThreadRepeatingHandle struct {
	runner   *SingleThreadTaskRunner
	task     Task
	interval time.Duration
	traits   TaskTraits
	stopped  atomic.Bool
}

func (h *singleThreadRepeatingHandle) Stop() {
	h.stopped.Store(true)
}

func (h *singleThreadRepeatingHandle) IsStopped() bool {
	return h.stopped.Load()
}

func (h *singleThreadRepeatingHandle) createRepeatingTask() Task {
	return func(ctx context.Context) {
		if h.runner.IsClosed() || h.IsStopped() {
			return
		}

		h.task(ctx)

		if !h.IsStopped() && !h.runner.IsClosed() {
			h.runner.PostDelayedTaskWithTraits(h.createRepeatingTask(), h.interval, h.traits)
		}
	}
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all tasks queued before the call have completed.
// It posts a barrier task and waits for it to run.
//
// Note: Repeating tasks keep repeating and are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("runner %s is closed", r.name)
	}

	done := make(chan struct{})
	r.PostTask(func(taskCtx context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitShutdown blocks until Shutdown() is called on this runner, either by
// an external caller or by a task running on the runner itself.
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
