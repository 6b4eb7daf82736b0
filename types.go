package pagerunner

import (
	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/page"
)

// Re-export commonly used types so that most callers only import the
// pagerunner package.

// Task is the unit of work posted to a runner
type Task = core.Task

// TaskTraits defines task attributes (priority)
type TaskTraits = core.TaskTraits

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// SingleThreadTaskRunner is the foreground actor: every task runs on one goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

// RepeatingTaskHandle controls the lifecycle of a repeating task
type RepeatingTaskHandle = core.RepeatingTaskHandle

// WorkerRegistry tracks background workers by category
type WorkerRegistry = core.WorkerRegistry

// WorkerCategory groups workers for Cancel and Join
type WorkerCategory = core.WorkerCategory

// Service is the page request protocol seen by presentation backends
type Service = page.Service

// Engine is one page pipeline
type Engine = page.Engine

// PageID correlates Poll and GetStatus with a Request
type PageID = page.PageID

// PollResult is the answer to Poll
type PollResult = page.PollResult

// Document is a parsed page
type Document = dom.Document

// Worker categories
const (
	CategoryInterface = core.CategoryInterface
	CategoryParser    = core.CategoryParser
	CategoryControl   = core.CategoryControl
)

// Page states
const (
	StatePending = page.StatePending
	StateReady   = page.StateReady
	StateFailed  = page.StateFailed
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsUserBlocking = core.TraitsUserBlocking
	TraitsBestEffort   = core.TraitsBestEffort
	TraitsUserVisible  = core.TraitsUserVisible
)

// NewSingleThreadTaskRunner creates a runner with a dedicated goroutine,
// e.g. the UI thread of a backend.
func NewSingleThreadTaskRunner(name string) *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner(core.WithRunnerName(name))
}

// TaskWithResult and ReplyWithResult for generic PostTaskAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// GetCurrentTaskRunner retrieves the current TaskRunner from context
var GetCurrentTaskRunner = core.GetCurrentTaskRunner
