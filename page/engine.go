package page

import (
	"context"
	"errors"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/Swind/go-page-runner/bindings"
	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/parser"
	"github.com/Swind/go-page-runner/source"
)

const (
	// DefaultStatusMaxLength is the byte limit GetStatus applies when the
	// caller passes none.
	DefaultStatusMaxLength = 2047
	DefaultProgressEvery   = 32
)

// pageEntry is the per-request state. status holds progress text (latest
// wins); result holds exactly one Ready or Failed response.
type pageEntry struct {
	id       PageID
	url      string
	referrer string

	status *core.StatusChannel
	result *core.StatusChannel

	// Guarded by Engine.mu.
	worker    core.WorkerID
	cancelErr error
	finished  bool
}

// Engine is one instance of the page pipeline. It owns the control channel,
// the per-page mailboxes and, unless one is supplied, the worker registry.
// Several engines may coexist in a process.
type Engine struct {
	registry     *core.WorkerRegistry
	ownsRegistry bool
	control      *core.ControlChannel
	opener       source.Opener
	newTable     func() parser.TagBindingTable
	parserOpts   []parser.Option

	statusMaxLength int
	progressEvery   int
	supersede       bool
	historyCap      int

	logger       core.Logger
	metrics      core.Metrics
	panicHandler core.PanicHandler

	lifetime context.Context
	shutdown context.CancelFunc

	mu         sync.Mutex
	pages      map[PageID]*pageEntry
	measurer   Measurer
	started    bool
	closed     bool
	dispatcher core.WorkerID

	history   *core.ParseHistory
	requested atomic.Uint64
	ready     atomic.Uint64
	failed    atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry makes the engine start its workers on r. The engine does not
// close a registry it was given.
func WithRegistry(r *core.WorkerRegistry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithOpener sets how URLs are turned into byte sources.
func WithOpener(o source.Opener) Option {
	return func(e *Engine) {
		if o != nil {
			e.opener = o
		}
	}
}

// WithBindings sets the factory for the tag binding table. It is called
// once per page.
func WithBindings(newTable func() parser.TagBindingTable) Option {
	return func(e *Engine) {
		if newTable != nil {
			e.newTable = newTable
		}
	}
}

// WithParserOptions appends options to every StreamParser the engine
// creates.
func WithParserOptions(opts ...parser.Option) Option {
	return func(e *Engine) {
		e.parserOpts = append(e.parserOpts, opts...)
	}
}

// WithMeasurer sets the render-size callback.
func WithMeasurer(m Measurer) Option {
	return func(e *Engine) {
		e.measurer = m
	}
}

// WithStatusMaxLength sets the cut used by GetStatus when the caller passes
// no length.
func WithStatusMaxLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.statusMaxLength = n
		}
	}
}

// WithProgressEvery sets how many tags pass between progress messages.
func WithProgressEvery(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

// WithSupersede controls whether a new request cancels parses still in
// flight. It is on by default.
func WithSupersede(on bool) Option {
	return func(e *Engine) {
		e.supersede = on
	}
}

// WithHistoryCapacity sets how many finished parses RecentParses keeps.
func WithHistoryCapacity(n int) Option {
	return func(e *Engine) {
		e.historyCap = n
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m core.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithPanicHandler sets the handler for panics in workers, tag handlers and
// the measurer.
func WithPanicHandler(h core.PanicHandler) Option {
	return func(e *Engine) {
		if h != nil {
			e.panicHandler = h
		}
	}
}

// NewEngine creates an engine. The dispatcher starts with Start or the
// first Request.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		pages:           make(map[PageID]*pageEntry),
		statusMaxLength: DefaultStatusMaxLength,
		progressEvery:   DefaultProgressEvery,
		supersede:       true,
		logger:          core.NewNoOpLogger(),
		metrics:         &core.NilMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.panicHandler == nil {
		e.panicHandler = &core.DefaultPanicHandler{Logger: e.logger}
	}
	if e.registry == nil {
		e.registry = core.NewWorkerRegistry(
			core.WithRegistryLogger(e.logger),
			core.WithRegistryMetrics(e.metrics),
			core.WithRegistryPanicHandler(e.panicHandler),
		)
		e.ownsRegistry = true
	}
	if e.opener == nil {
		e.opener = source.NewOpener(source.DefaultConfig(), source.WithLogger(e.logger))
	}
	if e.newTable == nil {
		e.newTable = func() parser.TagBindingTable { return bindings.NewStructural("!doctype") }
	}
	e.control = core.NewControlChannel("control", e.metrics)
	e.history = core.NewParseHistory(e.historyCap)
	e.lifetime, e.shutdown = context.WithCancel(context.Background())
	return e
}

// Registry returns the registry the engine starts its workers on.
func (e *Engine) Registry() *core.WorkerRegistry {
	return e.registry
}

// Start launches the dispatcher worker. Calling it again is a no-op while
// the dispatcher runs; a dispatcher that was cancelled through the shared
// registry is replaced.
func (e *Engine) Start() error {
	_, err := e.ensureDispatcher()
	return err
}

// ensureDispatcher starts the dispatcher unless a live one exists and
// returns the channel closed when it exits. It never blocks.
func (e *Engine) ensureDispatcher() (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.started {
		done, ok := e.registry.Done(e.dispatcher)
		if ok && !isClosed(done) {
			return done, nil
		}
		e.logger.Warn("dispatcher gone, restarting", core.F("worker", e.dispatcher))
	}
	id, err := e.registry.Start(core.CategoryControl, e.dispatch, nil)
	if err != nil {
		return nil, err
	}
	done, ok := e.registry.Done(id)
	if !ok {
		// Cancelled between Start and Done; the next call starts another.
		done = closedChan
	}
	e.started = true
	e.dispatcher = id
	e.logger.Debug("dispatcher started", core.F("worker", id))
	return done, nil
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Request implements Service. It blocks only while a previous request is
// still waiting for the dispatcher to pick it up.
func (e *Engine) Request(ctx context.Context, target, referrer string) (PageID, error) {
	entry, err := e.enqueue(ctx, target, referrer)
	if err != nil {
		return PageID{}, err
	}
	return entry.id, nil
}

func (e *Engine) enqueue(ctx context.Context, target, referrer string) (*pageEntry, error) {
	if err := e.Start(); err != nil {
		return nil, err
	}

	entry := &pageEntry{
		id:       NewPageID(),
		url:      resolve(target, referrer),
		referrer: referrer,
		status:   core.NewStatusChannel("page_status", e.metrics),
		result:   core.NewStatusChannel("page_result", e.metrics),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.pages[entry.id] = entry
	e.mu.Unlock()

	for {
		dispatcher, err := e.ensureDispatcher()
		if err == nil {
			err = e.send(ctx, dispatcher, entry)
		}
		if errors.Is(err, errDispatcherGone) {
			continue
		}
		if err != nil {
			e.forget(entry.id)
			return nil, err
		}
		break
	}
	if e.lifetime.Err() != nil {
		// Close ran between the check above and Send; nobody will pick the
		// command up.
		e.failUnstarted()
	}

	e.requested.Add(1)
	e.logger.Debug("page requested", core.F("page", entry.id), core.F("url", entry.url))
	return entry, nil
}

var errDispatcherGone = errors.New("dispatcher exited")

// send waits for the control slot. It gives up when ctx ends, the engine
// closes, or the dispatcher that should drain the slot exits.
func (e *Engine) send(ctx context.Context, dispatcher <-chan struct{}, entry *pageEntry) error {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.lifetime, cancel)
	defer stop()
	go func() {
		select {
		case <-dispatcher:
			cancel()
		case <-sendCtx.Done():
		}
	}()

	err := e.control.Send(sendCtx, core.CommandRequestPage, entry)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case e.lifetime.Err() != nil:
		return ErrEngineClosed
	case isClosed(dispatcher):
		return errDispatcherGone
	}
	return err
}

// Poll implements Service.
func (e *Engine) Poll(id PageID) PollResult {
	entry, ok := e.lookup(id)
	if !ok {
		return PollResult{State: StateFailed, Err: ErrUnknownPage}
	}

	if payload, ok := entry.result.TryTake(core.ResponsePageReady); ok {
		e.forget(id)
		return e.finalize(entry, PollResult{State: StateReady, Document: payload.(*dom.Document)})
	}
	if payload, ok := entry.result.TryTake(core.ResponsePageFailed); ok {
		e.forget(id)
		return e.finalize(entry, PollResult{State: StateFailed, Err: payload.(error)})
	}
	e.revive()
	return PollResult{State: StatePending}
}

// revive restarts a dispatcher that died while a request sat in the
// control slot.
func (e *Engine) revive() {
	if _, ok := e.control.Kind(); !ok {
		return
	}
	if _, err := e.ensureDispatcher(); err != nil && !errors.Is(err, ErrEngineClosed) {
		e.logger.Warn("dispatcher restart failed", core.F("error", err))
	}
}

// Wait blocks until the page is finished or ctx ends. Like Poll, a finished
// page is forgotten. The error is non-nil only when ctx ended first.
func (e *Engine) Wait(ctx context.Context, id PageID) (PollResult, error) {
	entry, ok := e.lookup(id)
	if !ok {
		return PollResult{State: StateFailed, Err: ErrUnknownPage}, nil
	}

	kind, payload, err := e.waitResult(ctx, entry)
	if err != nil {
		return PollResult{State: StatePending}, err
	}
	e.forget(id)

	if kind == core.ResponsePageReady {
		return e.finalize(entry, PollResult{State: StateReady, Document: payload.(*dom.Document)}), nil
	}
	perr, _ := payload.(error)
	if perr == nil {
		perr = errors.New("page failed")
	}
	return e.finalize(entry, PollResult{State: StateFailed, Err: perr}), nil
}

// waitResult waits for the page's result, restarting the dispatcher if it
// exits while the request is still queued.
func (e *Engine) waitResult(ctx context.Context, entry *pageEntry) (core.Response, any, error) {
	for {
		dispatcher, err := e.ensureDispatcher()
		if err != nil {
			return entry.result.WaitAndTake(ctx)
		}

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-dispatcher:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		kind, payload, err := entry.result.WaitAndTake(waitCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			return kind, payload, err
		}
	}
}

// GetPage requests target and blocks until its document is ready. It is
// the path used by backends that have no event loop of their own.
func (e *Engine) GetPage(ctx context.Context, target, referrer string) (*dom.Document, error) {
	id, err := e.Request(ctx, target, referrer)
	if err != nil {
		return nil, err
	}

	res, err := e.Wait(ctx, id)
	if err != nil {
		e.forget(id)
		return nil, err
	}
	if res.State == StateFailed {
		return nil, res.Err
	}
	return res.Document, nil
}

// GetStatus implements Service. maxLength <= 0 selects the configured
// default. The text is cut on a UTF-8 boundary.
func (e *Engine) GetStatus(id PageID, maxLength int) (string, bool) {
	entry, ok := e.lookup(id)
	if !ok {
		return "", false
	}
	payload, ok := entry.status.TryTake(core.ResponseStatus)
	if !ok {
		return "", false
	}
	if maxLength <= 0 {
		maxLength = e.statusMaxLength
	}
	return truncate(payload.(string), maxLength), true
}

// SetMeasurer replaces the render-size callback.
func (e *Engine) SetMeasurer(m Measurer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.measurer = m
}

// Measure asks the backend for the size of n. A missing, failing or
// panicking measurer yields ok == false.
func (e *Engine) Measure(n *dom.Node) (width, height int, ok bool) {
	e.mu.Lock()
	m := e.measurer
	e.mu.Unlock()
	if m == nil || n == nil {
		return 0, 0, false
	}

	defer func() {
		if rec := recover(); rec != nil {
			width, height, ok = 0, 0, false
			e.panicHandler.HandlePanic(context.Background(), "measure", 0, rec, debug.Stack())
		}
	}()

	w, h, err := m.Measure(n)
	if err != nil {
		e.logger.Debug("measure failed", core.F("node", n.Name), core.F("error", err))
		return 0, 0, false
	}
	return w, h, true
}

// Close stops the dispatcher, waits for interface workers to return and
// then cancels every remaining worker. Pages still in flight fail with
// ErrEngineClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	e.shutdown()

	var errs []error
	if started {
		e.control.Give(core.CommandStop, nil)
		if err := e.registry.Join(ctx, core.CategoryControl); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.registry.Join(ctx, core.CategoryInterface); err != nil {
		if errors.Is(err, core.ErrSelfJoin) {
			e.logger.Debug("close called from an interface worker, not joining it")
		} else {
			errs = append(errs, err)
		}
	}

	n := e.registry.CancelAll()
	e.failUnstarted()
	if e.ownsRegistry {
		e.registry.Close()
	}

	e.logger.Info("page engine closed", core.F("cancelled_workers", n))
	return errors.Join(errs...)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() core.EngineStats {
	e.mu.Lock()
	inFlight := len(e.pages)
	closed := e.closed
	e.mu.Unlock()

	return core.EngineStats{
		InFlight:  inFlight,
		Requested: e.requested.Load(),
		Ready:     e.ready.Load(),
		Failed:    e.failed.Load(),
		Closed:    closed,
	}
}

// RecentParses returns up to n finished parses, newest first.
func (e *Engine) RecentParses(n int) []core.ParseRecord {
	return e.history.Recent(n)
}

func (e *Engine) lookup(id PageID) (*pageEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pages[id]
	return entry, ok
}

func (e *Engine) forget(id PageID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pages, id)
}

// finalize attaches a progress message the caller has not read yet.
func (e *Engine) finalize(entry *pageEntry, res PollResult) PollResult {
	if payload, ok := entry.status.TryTake(core.ResponseStatus); ok {
		res.Status = payload.(string)
	}
	return res
}

// failUnstarted fails requests that never reached a parser worker.
func (e *Engine) failUnstarted() {
	if payload, ok := e.control.TryTake(core.CommandRequestPage); ok {
		if entry, ok := payload.(*pageEntry); ok {
			e.fail(entry, ErrEngineClosed)
		}
	}

	e.mu.Lock()
	var orphans []*pageEntry
	for _, entry := range e.pages {
		if entry.worker == 0 && !entry.finished {
			orphans = append(orphans, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range orphans {
		e.fail(entry, ErrEngineClosed)
	}
}

// deliver hands the result to the foreground. Only the first call per page
// has an effect.
func (e *Engine) deliver(entry *pageEntry, kind core.Response, payload any) bool {
	e.mu.Lock()
	if entry.finished {
		e.mu.Unlock()
		return false
	}
	entry.finished = true
	e.mu.Unlock()

	if kind == core.ResponsePageReady {
		e.ready.Add(1)
	} else {
		e.failed.Add(1)
	}
	entry.result.Give(kind, payload)
	return true
}

func (e *Engine) fail(entry *pageEntry, err error) {
	e.setStatus(entry, "Error: "+err.Error())
	e.deliver(entry, core.ResponsePageFailed, err)
}

func (e *Engine) setStatus(entry *pageEntry, msg string) {
	entry.status.Give(core.ResponseStatus, msg)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// resolve makes target absolute against referrer when both allow it.
func resolve(target, referrer string) string {
	if referrer == "" {
		return target
	}
	base, err := url.Parse(referrer)
	if err != nil || base.Scheme == "" {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil || ref.IsAbs() {
		return target
	}
	return base.ResolveReference(ref).String()
}

var _ Service = (*Engine)(nil)
