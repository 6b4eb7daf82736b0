package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling panics in workers, tasks and tag handlers
// =============================================================================

// PanicHandler is called when a worker, foreground task, or tag handler panics.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called after the panic has been recovered.
	//
	// Parameters:
	// - ctx: The context of the panicking code (may carry the current worker)
	// - origin: Where the panic happened (runner name, worker category, "tag:<name>")
	// - workerID: The worker that panicked, 0 when not running on a registry worker
	// - panicInfo: The recovered value
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, origin string, workerID WorkerID, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, origin string, workerID WorkerID, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("panic recovered",
		F("origin", origin),
		F("worker", workerID),
		F("panic", fmt.Sprint(panicInfo)),
		F("stack", string(stackTrace)))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting page pipeline metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they run on parser workers.
type Metrics interface {
	// RecordWorkerStarted records that a worker of the category was started.
	RecordWorkerStarted(category WorkerCategory)

	// RecordWorkerFinished records how a worker ended: "done", "error",
	// "panic" or "cancelled".
	RecordWorkerFinished(category WorkerCategory, outcome string)

	// RecordParse records one finished parse.
	//
	// Parameters:
	// - outcome: "ok", "error" or "cancelled"
	// - duration: wall time spent in the parse loop
	// - bytes: bytes consumed from the source
	// - tags: tags dispatched to the binding table
	RecordParse(outcome string, duration time.Duration, bytes int64, tags int)

	// RecordHandlerPanic records that a tag handler panicked.
	RecordHandlerPanic(tag string)

	// RecordMailboxOverwrite records a give that replaced an unconsumed value.
	RecordMailboxOverwrite(mailbox string)

	// RecordTaskPanic records that a foreground task panicked.
	RecordTaskPanic(runnerName string, panicInfo any)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordWorkerStarted(category WorkerCategory)                 {}
func (m *NilMetrics) RecordWorkerFinished(category WorkerCategory, outcome string) {}
func (m *NilMetrics) RecordParse(outcome string, duration time.Duration, bytes int64, tags int) {
}
func (m *NilMetrics) RecordHandlerPanic(tag string)                    {}
func (m *NilMetrics) RecordMailboxOverwrite(mailbox string)            {}
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any) {}
