// Package parser implements the streaming tag parser: it reads a byte
// source one byte at a time, collects literal text runs, recognizes tags and
// hands each tag to a TagBindingTable.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/dom"
)

// ByteSource yields one byte at a time. io.EOF signals a clean end; any
// other error is a source failure.
type ByteSource = io.ByteReader

// ResultCode is the end-of-parse signal.
type ResultCode int

const (
	// ResultEOF: the source ended cleanly.
	ResultEOF ResultCode = 0
	// ResultPending: more data is pending. Never returned by Parse.
	ResultPending ResultCode = 1
	// ResultError: the source failed.
	ResultError ResultCode = -1
	// ResultCancelled: the context was cancelled; the document is unusable.
	ResultCancelled ResultCode = -2
)

func (c ResultCode) String() string {
	switch c {
	case ResultEOF:
		return "eof"
	case ResultPending:
		return "pending"
	case ResultError:
		return "error"
	case ResultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("result(%d)", int(c))
	}
}

// ParseError reports why a parse did not end cleanly.
type ParseError struct {
	Code   ResultCode
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s at byte %d: %v", e.Code, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseResult summarizes one Parse call.
type ParseResult struct {
	Code     ResultCode
	Err      error
	Bytes    int64
	Tags     int
	TextRuns int
	Dropped  int
	Duration time.Duration
}

// OK reports whether the source ended cleanly.
func (r ParseResult) OK() bool {
	return r.Code == ResultEOF
}

// ParseCursor is the per-invocation scanning state. It is owned by the
// goroutine running Parse and never shared.
type ParseCursor struct {
	text bytes.Buffer
	tag  bytes.Buffer
	last byte
}

func (c *ParseCursor) reset() {
	c.text.Reset()
	c.tag.Reset()
	c.last = 0
}

// cancelCheckBytes is how often a run of text without tags checks for
// cancellation.
const cancelCheckBytes = 4096

// StreamParser parses byte sources into documents. A StreamParser holds no
// per-parse state, so one value may serve many workers at once.
type StreamParser struct {
	table        TagBindingTable
	maxTagLength int
	yield        func()

	progressEvery int
	progress      func(bytes int64, tags int)

	logger       core.Logger
	metrics      core.Metrics
	panicHandler core.PanicHandler
}

// Option configures a StreamParser.
type Option func(*StreamParser)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(p *StreamParser) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m core.Metrics) Option {
	return func(p *StreamParser) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPanicHandler sets the handler for panicking tag handlers.
func WithPanicHandler(h core.PanicHandler) Option {
	return func(p *StreamParser) {
		if h != nil {
			p.panicHandler = h
		}
	}
}

// WithYield replaces the scheduling hint issued after each dispatched tag.
func WithYield(fn func()) Option {
	return func(p *StreamParser) {
		if fn != nil {
			p.yield = fn
		}
	}
}

// WithMaxTagLength bounds the bytes kept for a single tag.
func WithMaxTagLength(n int) Option {
	return func(p *StreamParser) {
		if n > 0 {
			p.maxTagLength = n
		}
	}
}

// WithProgress calls fn after every n dispatched tags.
func WithProgress(n int, fn func(bytes int64, tags int)) Option {
	return func(p *StreamParser) {
		if n > 0 && fn != nil {
			p.progressEvery = n
			p.progress = fn
		}
	}
}

// NewStreamParser creates a parser dispatching to table. A nil table
// dispatches nothing.
func NewStreamParser(table TagBindingTable, opts ...Option) *StreamParser {
	p := &StreamParser{
		table:        table,
		maxTagLength: DefaultMaxTagLength,
		yield:        runtime.Gosched,
		logger:       core.NewNoOpLogger(),
		metrics:      &core.NilMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.panicHandler == nil {
		p.panicHandler = &core.DefaultPanicHandler{Logger: p.logger}
	}
	return p
}

// Parse reads src to the end, appending text runs to doc and dispatching
// tags. It returns when the source ends, fails, or ctx is cancelled; ctx is
// checked after every dispatched tag.
//
// A malformed tag (no close marker before the end of the source, or a span
// that is not a tag) is dropped: no handler runs and no text is produced.
// Tag handler panics are recovered and parsing continues. Only source
// errors and cancellation end a parse early.
func (p *StreamParser) Parse(ctx context.Context, src ByteSource, doc *dom.Document) ParseResult {
	start := time.Now()
	var (
		cur ParseCursor
		res ParseResult
	)
	cur.reset()

	finish := func(code ResultCode, err error) ParseResult {
		p.flushText(&cur, doc, &res)
		cur.reset()
		res.Code = code
		if err != nil {
			res.Err = &ParseError{Code: code, Offset: res.Bytes, Err: err}
		}
		res.Duration = time.Since(start)
		p.metrics.RecordParse(outcomeLabel(code), res.Duration, res.Bytes, res.Tags)
		return res
	}

	for {
		c, err := src.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return finish(ResultEOF, nil)
			}
			return finish(ResultError, err)
		}
		res.Bytes++
		cur.last = c

		if c != tagOpen {
			cur.text.WriteByte(c)
			if res.Bytes%cancelCheckBytes == 0 && ctx.Err() != nil {
				return finish(ResultCancelled, ctx.Err())
			}
			continue
		}

		p.flushText(&cur, doc, &res)

		consumed, complete, err := acquireTag(src, &cur.tag, p.maxTagLength)
		res.Bytes += int64(consumed)
		if !complete {
			res.Dropped++
			p.logger.Debug("truncated tag dropped", core.F("offset", res.Bytes), core.F("span", consumed))
			if err != nil && !errors.Is(err, io.EOF) {
				return finish(ResultError, err)
			}
			return finish(ResultEOF, nil)
		}

		tag, ok := decodeTag(cur.tag.Bytes())
		cur.tag.Reset()
		if !ok {
			res.Dropped++
			continue
		}

		p.dispatch(ctx, tag, doc)
		res.Tags++
		if p.progress != nil && res.Tags%p.progressEvery == 0 {
			p.progress(res.Bytes, res.Tags)
		}

		p.yield()

		if ctx.Err() != nil {
			return finish(ResultCancelled, ctx.Err())
		}
	}
}

func (p *StreamParser) flushText(cur *ParseCursor, doc *dom.Document, res *ParseResult) {
	if cur.text.Len() == 0 {
		return
	}
	doc.AppendText(cur.text.String())
	cur.text.Reset()
	res.TextRuns++
}

func (p *StreamParser) dispatch(ctx context.Context, tag *Tag, doc *dom.Document) {
	if p.table == nil {
		return
	}
	handler, ok := p.table.Lookup(tag.Key())
	if !ok || handler == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.metrics.RecordHandlerPanic(tag.Key())
			var id core.WorkerID
			if info, ok := core.CurrentWorker(ctx); ok {
				id = info.ID
			}
			p.panicHandler.HandlePanic(ctx, "tag:"+tag.Key(), id, rec, debug.Stack())
		}
	}()
	handler(tag, doc)
}

func outcomeLabel(code ResultCode) string {
	switch code {
	case ResultEOF:
		return "ok"
	case ResultCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
