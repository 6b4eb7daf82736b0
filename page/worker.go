package page

import (
	"context"
	"fmt"
	"time"

	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/parser"
	"github.com/Swind/go-page-runner/source"
)

// dispatch is the control worker: it waits on the control channel and turns
// each page request into a parser worker.
func (e *Engine) dispatch(ctx context.Context, _ any) error {
	for {
		kind, payload, err := e.control.WaitAndTake(ctx)
		if err != nil {
			return nil
		}

		switch kind {
		case core.CommandStop:
			e.logger.Debug("dispatcher stopping")
			return nil
		case core.CommandRequestPage:
			entry, ok := payload.(*pageEntry)
			if !ok {
				e.logger.Warn("request without page", core.F("payload", fmt.Sprintf("%T", payload)))
				continue
			}
			e.launch(entry)
		default:
			e.logger.Warn("unknown command", core.F("command", kind))
		}
	}
}

func (e *Engine) launch(entry *pageEntry) {
	if n := e.registry.Reap(); n > 0 {
		e.logger.Debug("reaped finished workers", core.F("count", n))
	}

	if e.supersede {
		e.mu.Lock()
		for _, other := range e.pages {
			if other != entry && other.worker != 0 && !other.finished {
				other.cancelErr = ErrSuperseded
			}
		}
		e.mu.Unlock()
		if n := e.registry.Cancel(core.CategoryParser); n > 0 {
			e.logger.Info("superseded in-flight pages", core.F("count", n), core.F("url", entry.url))
		}
	}

	id, err := e.registry.Start(core.CategoryParser, e.parsePage, entry)
	if err != nil {
		e.logger.Error("parser worker not started", core.F("page", entry.id), core.F("error", err))
		e.fail(entry, err)
		return
	}

	e.mu.Lock()
	entry.worker = id
	e.mu.Unlock()
}

// parsePage is the parser worker for one page.
func (e *Engine) parsePage(ctx context.Context, arg any) error {
	entry := arg.(*pageEntry)
	record := core.ParseRecord{URL: entry.url, StartedAt: time.Now()}
	if info, ok := core.CurrentWorker(ctx); ok {
		record.WorkerID = info.ID
	}

	e.setStatus(entry, "Loading: "+entry.url)

	src, err := e.opener.Open(source.WithReferrer(ctx, entry.referrer), entry.url)
	if err != nil {
		if ctx.Err() != nil {
			e.abandon(entry, record)
			return ctx.Err()
		}
		e.finish(entry, record, "error", err)
		return err
	}
	defer src.Close()

	doc := dom.New(entry.url)
	opts := []parser.Option{
		parser.WithLogger(e.logger),
		parser.WithMetrics(e.metrics),
		parser.WithPanicHandler(e.panicHandler),
		parser.WithProgress(e.progressEvery, func(bytes int64, tags int) {
			e.setStatus(entry, fmt.Sprintf("Loading: %s (%d bytes, %d tags)", entry.url, bytes, tags))
		}),
	}
	opts = append(opts, e.parserOpts...)

	res := parser.NewStreamParser(e.newTable(), opts...).Parse(ctx, src, doc)
	record.Bytes = res.Bytes
	record.Tags = res.Tags

	switch {
	case res.Code == parser.ResultCancelled || ctx.Err() != nil:
		// The document may be half built; it is dropped here.
		e.abandon(entry, record)
		return ctx.Err()
	case res.Code == parser.ResultError:
		e.finish(entry, record, "error", res.Err)
		return res.Err
	}

	e.finish(entry, record, "ready", nil)
	e.deliver(entry, core.ResponsePageReady, doc)
	return nil
}

// abandon fails a page whose worker was cancelled, naming the reason.
func (e *Engine) abandon(entry *pageEntry, record core.ParseRecord) {
	e.mu.Lock()
	cause := entry.cancelErr
	if cause == nil {
		if e.closed {
			cause = ErrEngineClosed
		} else {
			cause = context.Canceled
		}
	}
	e.mu.Unlock()

	e.finish(entry, record, "cancelled", cause)
}

// finish records the parse and, for failures, delivers the error.
func (e *Engine) finish(entry *pageEntry, record core.ParseRecord, outcome string, err error) {
	record.Outcome = outcome
	record.FinishedAt = time.Now()
	record.Duration = record.FinishedAt.Sub(record.StartedAt)
	if err != nil {
		record.Err = err.Error()
	}
	e.history.Add(record)

	if err != nil {
		e.logger.Debug("page failed", core.F("page", entry.id), core.F("url", entry.url), core.F("outcome", outcome), core.F("error", err))
		e.fail(entry, err)
		return
	}
	e.logger.Debug("page ready",
		core.F("page", entry.id),
		core.F("url", entry.url),
		core.F("bytes", record.Bytes),
		core.F("tags", record.Tags),
		core.F("elapsed", record.Duration))
}
