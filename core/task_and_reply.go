package core

import (
	"context"
	"fmt"
)

// TaskWithResult is background work producing a value.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the value of a TaskWithResult on the reply runner.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PanicError is passed to a reply when its task panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// PostTaskAndReply runs task on targetRunner and, if it returns normally,
// posts reply to replyRunner.
func PostTaskAndReply(targetRunner TaskRunner, task Task, reply Task, replyRunner TaskRunner) {
	if replyRunner == nil {
		targetRunner.PostTask(task)
		return
	}

	targetRunner.PostTask(func(ctx context.Context) {
		task(ctx)
		replyRunner.PostTask(reply)
	})
}

// PostTaskAndReplyWithResult executes task on targetRunner, then passes its
// result to reply on replyRunner. A panicking task is reported to reply as a
// *PanicError rather than swallowed, so the foreground side always hears
// back.
//
// The task always completes before the reply starts and the reply sees the
// values written by the task.
//
// Example:
//
//	PostTaskAndReplyWithResult(
//	    loader,
//	    func(ctx context.Context) (*dom.Document, error) {
//	        return engine.GetPage(ctx, url, "")
//	    },
//	    func(ctx context.Context, doc *dom.Document, err error) {
//	        present(doc, err)
//	    },
//	    ui,
//	)
func PostTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	PostTaskAndReplyWithResultAndTraits(targetRunner, task, DefaultTaskTraits(), reply, DefaultTaskTraits(), replyRunner)
}

// PostTaskAndReplyWithResultAndTraits is PostTaskAndReplyWithResult with
// separate traits for the task and the reply, e.g. BestEffort loading with
// a UserBlocking presentation.
func PostTaskAndReplyWithResultAndTraits[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	targetRunner.PostTaskWithTraits(func(ctx context.Context) {
		var result T
		var err error

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = &PanicError{Value: rec}
				}
			}()
			result, err = task(ctx)
		}()

		if replyRunner == nil {
			return
		}
		replyRunner.PostTaskWithTraits(func(ctx context.Context) {
			reply(ctx, result, err)
		}, replyTraits)
	}, taskTraits)
}
