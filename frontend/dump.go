// Package frontend contains the plain-text dump backend. It drives a
// page.Service from a foreground SingleThreadTaskRunner the way a
// graphical toolkit would: a timer on the UI thread polls for status text
// and for the finished page.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/page"
)

const (
	DefaultPollInterval    = 42 * time.Millisecond
	DefaultStatusMaxLength = page.DefaultStatusMaxLength
)

// PageGetter is the blocking fetch used by RunSync.
type PageGetter interface {
	GetPage(ctx context.Context, url, referrer string) (*dom.Document, error)
}

// Dump writes pages to an output stream. Status lines go to a separate
// writer so that the page text can be piped.
type Dump struct {
	service page.Service
	ui      *core.SingleThreadTaskRunner

	out             io.Writer
	status          io.Writer
	mode            Mode
	pollInterval    time.Duration
	statusMaxLength int
	logger          core.Logger
}

// DumpOption configures a Dump.
type DumpOption func(*Dump)

// WithOutput sets where rendered pages are written. Default is stdout.
func WithOutput(w io.Writer) DumpOption {
	return func(d *Dump) {
		if w != nil {
			d.out = w
		}
	}
}

// WithStatusOutput sets where status lines are written. Default is stderr;
// io.Discard silences them.
func WithStatusOutput(w io.Writer) DumpOption {
	return func(d *Dump) {
		if w != nil {
			d.status = w
		}
	}
}

// WithMode selects text or tree output.
func WithMode(m Mode) DumpOption {
	return func(d *Dump) {
		d.mode = m
	}
}

// WithPollInterval sets the period of the interval check.
func WithPollInterval(interval time.Duration) DumpOption {
	return func(d *Dump) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithStatusMaxLength sets the length passed to GetStatus.
func WithStatusMaxLength(n int) DumpOption {
	return func(d *Dump) {
		if n > 0 {
			d.statusMaxLength = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) DumpOption {
	return func(d *Dump) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDump creates a dump backend. ui is the foreground runner every poll
// and every write happens on.
func NewDump(service page.Service, ui *core.SingleThreadTaskRunner, opts ...DumpOption) *Dump {
	d := &Dump{
		service:         service,
		ui:              ui,
		out:             os.Stdout,
		status:          os.Stderr,
		mode:            ModeText,
		pollInterval:    DefaultPollInterval,
		statusMaxLength: DefaultStatusMaxLength,
		logger:          core.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open requests url and blocks until the page has been written out, the
// request failed, or ctx ends.
func (d *Dump) Open(ctx context.Context, url string) error {
	if d.ui.IsClosed() {
		return errors.New("dump: ui runner is closed")
	}
	id, err := d.service.Request(ctx, url, "")
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	d.logger.Debug("page requested", core.F("url", url), core.F("page", id))

	done := make(chan error, 1)
	finished := false // only touched on the UI runner

	handle := d.ui.PostRepeatingTaskWithInitialDelay(func(context.Context) {
		if finished {
			return
		}
		if d.intervalCheck(id, done) {
			finished = true
		}
	}, 0, d.pollInterval, core.TraitsUserVisible())
	defer handle.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// intervalCheck runs on the UI runner. It reports true once the page is
// finished and its outcome has been sent on done.
func (d *Dump) intervalCheck(id page.PageID, done chan<- error) bool {
	if status, ok := d.service.GetStatus(id, d.statusMaxLength); ok {
		fmt.Fprintln(d.status, status)
	}

	res := d.service.Poll(id)
	switch res.State {
	case page.StatePending:
		return false
	case page.StateReady:
		if res.Status != "" {
			fmt.Fprintln(d.status, res.Status)
		}
		done <- Render(d.out, res.Document, d.mode)
	default:
		if res.Status != "" {
			fmt.Fprintln(d.status, res.Status)
		}
		err := res.Err
		if err == nil {
			err = errors.New("page failed")
		}
		done <- err
	}
	return true
}

// Run opens url and then shuts the UI runner down, the way a backend
// without interaction exits after its only page.
func (d *Dump) Run(ctx context.Context, url string) error {
	defer d.ui.Shutdown()
	return d.Open(ctx, url)
}

// Session is a dump running as an interface worker.
type Session struct {
	ID   core.WorkerID
	done chan struct{}
	err  error
}

// Wait blocks until the session returns.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunInteractive starts Run as a CategoryInterface worker on registry, so
// that closing the engine waits for it before cancelling the rest. The
// session ends early when ctx does.
func (d *Dump) RunInteractive(ctx context.Context, registry *core.WorkerRegistry, url string) (*Session, error) {
	s := &Session{done: make(chan struct{})}
	id, err := registry.Start(core.CategoryInterface, func(workerCtx context.Context, arg any) error {
		defer close(s.done)
		runCtx, cancel := context.WithCancel(workerCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		s.err = d.Run(runCtx, arg.(string))
		return s.err
	}, url)
	if err != nil {
		return nil, err
	}
	s.ID = id
	return s, nil
}

// RunSync fetches url with a blocking GetPage on loader and renders the
// result on the UI runner. No status lines are produced.
func (d *Dump) RunSync(ctx context.Context, getter PageGetter, loader core.TaskRunner, url string) error {
	done := make(chan error, 1)

	core.PostTaskAndReplyWithResultAndTraits(loader,
		func(context.Context) (*dom.Document, error) {
			return getter.GetPage(ctx, url, "")
		},
		core.TraitsUserVisible(),
		func(_ context.Context, doc *dom.Document, err error) {
			if err != nil {
				done <- err
				return
			}
			done <- Render(d.out, doc, d.mode)
		},
		core.TraitsUserBlocking(),
		d.ui,
	)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
