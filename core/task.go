package core

import (
	"context"
	"time"
)

// Task is the unit of work posted to a foreground runner.
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: attributes carried with a posted task
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: background housekeeping (history, metrics polling)
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: work the user is waiting on, such as
	// presenting a page that just became ready. A foreground runner that
	// is blocked on such a task cannot repaint.
	TaskPriorityUserBlocking
)

// String returns the label used in logs and metrics.
func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityBestEffort:
		return "best_effort"
	case TaskPriorityUserVisible:
		return "user_visible"
	case TaskPriorityUserBlocking:
		return "user_blocking"
	default:
		return "unknown"
	}
}

// TaskTraits carries the priority of a posted task. A SingleThreadTaskRunner
// runs UserBlocking tasks ahead of everything already queued; the other
// priorities share one FIFO queue.
type TaskTraits struct {
	Priority TaskPriority
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// =============================================================================
// TaskRunner: task submission interface
// =============================================================================
type TaskRunner interface {
	PostTask(task Task)
	PostTaskWithTraits(task Task, traits TaskTraits)
	PostDelayedTask(task Task, delay time.Duration)
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits)
}

// RepeatingTaskHandle controls the lifecycle of a repeating task.
type RepeatingTaskHandle interface {
	Stop()
	IsStopped() bool
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

// GetCurrentTaskRunner returns the runner executing the task that owns ctx.
func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}
