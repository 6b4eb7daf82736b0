package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerCategory tags workers so they can be cancelled or joined as a group.
type WorkerCategory int

const (
	// CategoryInterface is a foreground presentation worker.
	CategoryInterface WorkerCategory = iota + 1
	// CategoryParser is a page fetch-and-parse worker.
	CategoryParser
	// CategoryControl is the dispatcher that waits on the control channel.
	CategoryControl
)

func (c WorkerCategory) String() string {
	switch c {
	case CategoryInterface:
		return "interface"
	case CategoryParser:
		return "parser"
	case CategoryControl:
		return "control"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// WorkerID identifies one started worker. IDs are never reused within a
// registry.
type WorkerID uint64

// WorkerFunc is the entry point of a worker. ctx is cancelled when the
// worker is cancelled through the registry; workers are expected to check it
// at their own safe points.
type WorkerFunc func(ctx context.Context, arg any) error

var (
	ErrRegistryClosed = errors.New("worker registry is closed")
	ErrNilEntryPoint  = errors.New("worker entry point is nil")
	ErrSelfJoin       = errors.New("worker cannot join its own category")
)

// StartError is returned when a worker could not be started. Nothing is
// registered in that case.
type StartError struct {
	Category WorkerCategory
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s worker: %v", e.Category, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// WorkerInfo describes the worker a context belongs to.
type WorkerInfo struct {
	ID       WorkerID
	Category WorkerCategory
}

type workerKeyType struct{}

var workerKey workerKeyType

// CurrentWorker returns the registry worker running the code that owns ctx.
func CurrentWorker(ctx context.Context) (WorkerInfo, bool) {
	if ctx == nil {
		return WorkerInfo{}, false
	}
	info, ok := ctx.Value(workerKey).(WorkerInfo)
	return info, ok
}

type workerHandle struct {
	info      WorkerInfo
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
	startedAt time.Time
}

// WorkerRegistry tracks background workers by category.
//
// Cancellation is cooperative: Cancel and CancelAll cancel the worker's
// context and forget the worker at once, without waiting for it to return.
// Anything a cancelled worker was building must be treated as garbage.
type WorkerRegistry struct {
	mu      sync.Mutex
	workers map[WorkerID]*workerHandle
	nextID  WorkerID
	closed  bool

	root       context.Context
	rootCancel context.CancelFunc

	started   atomic.Uint64
	cancelled atomic.Uint64
	joined    atomic.Uint64
	reaped    atomic.Uint64

	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler
}

// RegistryOption configures a WorkerRegistry.
type RegistryOption func(*WorkerRegistry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l Logger) RegistryOption {
	return func(r *WorkerRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegistryMetrics sets the metrics sink.
func WithRegistryMetrics(m Metrics) RegistryOption {
	return func(r *WorkerRegistry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRegistryPanicHandler sets the handler for panicking workers.
func WithRegistryPanicHandler(h PanicHandler) RegistryOption {
	return func(r *WorkerRegistry) {
		if h != nil {
			r.panicHandler = h
		}
	}
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry(opts ...RegistryOption) *WorkerRegistry {
	root, cancel := context.WithCancel(context.Background())
	r := &WorkerRegistry{
		workers:    make(map[WorkerID]*workerHandle),
		root:       root,
		rootCancel: cancel,
		logger:     NewNoOpLogger(),
		metrics:    &NilMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.panicHandler == nil {
		r.panicHandler = &DefaultPanicHandler{Logger: r.logger}
	}
	return r
}

// Start runs entry(ctx, arg) on a new goroutine tagged with category.
func (r *WorkerRegistry) Start(category WorkerCategory, entry WorkerFunc, arg any) (WorkerID, error) {
	if entry == nil {
		return 0, &StartError{Category: category, Err: ErrNilEntryPoint}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, &StartError{Category: category, Err: ErrRegistryClosed}
	}
	r.nextID++
	info := WorkerInfo{ID: r.nextID, Category: category}
	ctx, cancel := context.WithCancel(context.WithValue(r.root, workerKey, info))
	h := &workerHandle{
		info:      info,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.workers[info.ID] = h
	r.mu.Unlock()

	r.started.Add(1)
	r.metrics.RecordWorkerStarted(category)
	r.logger.Debug("worker started", F("worker", info.ID), F("category", category))

	go r.run(ctx, h, entry, arg)
	return info.ID, nil
}

func (r *WorkerRegistry) run(ctx context.Context, h *workerHandle, entry WorkerFunc, arg any) {
	defer close(h.done)
	defer h.cancel()

	outcome := "done"
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcome = "panic"
				r.panicHandler.HandlePanic(ctx, h.info.Category.String(), h.info.ID, rec, debug.Stack())
			}
		}()

		err := entry(ctx, arg)
		switch {
		case h.cancelled.Load():
			outcome = "cancelled"
		case err != nil:
			outcome = "error"
			r.logger.Warn("worker returned error",
				F("worker", h.info.ID), F("category", h.info.Category), F("error", err))
		}
	}()

	r.metrics.RecordWorkerFinished(h.info.Category, outcome)
	r.logger.Debug("worker finished",
		F("worker", h.info.ID),
		F("category", h.info.Category),
		F("outcome", outcome),
		F("elapsed", time.Since(h.startedAt)))
}

// Cancel cancels every worker of category and removes it from the registry.
// Workers of other categories are untouched. It returns how many were
// cancelled.
func (r *WorkerRegistry) Cancel(category WorkerCategory) int {
	return r.cancelMatching(func(h *workerHandle) bool {
		return h.info.Category == category
	})
}

// CancelAll cancels every tracked worker and empties the registry.
func (r *WorkerRegistry) CancelAll() int {
	return r.cancelMatching(func(*workerHandle) bool { return true })
}

func (r *WorkerRegistry) cancelMatching(match func(*workerHandle) bool) int {
	r.mu.Lock()
	var victims []*workerHandle
	for id, h := range r.workers {
		if match(h) {
			victims = append(victims, h)
			delete(r.workers, id)
		}
	}
	r.mu.Unlock()

	for _, h := range victims {
		h.cancelled.Store(true)
		h.cancel()
	}
	r.cancelled.Add(uint64(len(victims)))
	return len(victims)
}

// Join blocks until every worker of category that is registered when Join
// is called has returned, then removes those workers. Workers started after
// the call are not waited for.
//
// Join returns ErrSelfJoin when ctx belongs to a worker of the same
// category, and ctx.Err() if ctx ends first. Workers that were already
// joined stay removed.
func (r *WorkerRegistry) Join(ctx context.Context, category WorkerCategory) error {
	if info, ok := CurrentWorker(ctx); ok && info.Category == category {
		return ErrSelfJoin
	}

	r.mu.Lock()
	var pending []*workerHandle
	for _, h := range r.workers {
		if h.info.Category == category {
			pending = append(pending, h)
		}
	}
	r.mu.Unlock()

	for _, h := range pending {
		select {
		case <-h.done:
			r.remove(h)
			r.joined.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Reap removes workers that have already returned and reports how many.
func (r *WorkerRegistry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, h := range r.workers {
		select {
		case <-h.done:
			delete(r.workers, id)
			n++
		default:
		}
	}
	r.reaped.Add(uint64(n))
	return n
}

// Done returns a channel closed when the worker returns. ok is false if the
// worker is not tracked.
func (r *WorkerRegistry) Done(id WorkerID) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return h.done, true
}

// Len returns the number of tracked workers of category.
func (r *WorkerRegistry) Len(category WorkerCategory) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, h := range r.workers {
		if h.info.Category == category {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the registry.
func (r *WorkerRegistry) Stats() RegistryStats {
	r.mu.Lock()
	byCategory := make(map[string]int)
	for _, h := range r.workers {
		byCategory[h.info.Category.String()]++
	}
	closed := r.closed
	r.mu.Unlock()

	return RegistryStats{
		Workers:   byCategory,
		Started:   r.started.Load(),
		Cancelled: r.cancelled.Load(),
		Joined:    r.joined.Load(),
		Reaped:    r.reaped.Load(),
		Closed:    closed,
	}
}

// Close rejects further Start calls and cancels every tracked worker.
func (r *WorkerRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.CancelAll()
	r.rootCancel()
}

func (r *WorkerRegistry) remove(h *workerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[h.info.ID]; ok && cur == h {
		delete(r.workers, h.info.ID)
	}
}
