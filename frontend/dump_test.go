package frontend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/page"
	"github.com/Swind/go-page-runner/source"
)

type mapOpener map[string]string

func (o mapOpener) Open(ctx context.Context, target string) (*source.Source, error) {
	body, ok := o[target]
	if !ok {
		return nil, errors.New("no such page: " + target)
	}
	return &source.Source{Reader: bufio.NewReader(strings.NewReader(body)), URL: target}, nil
}

// syncBuffer is written on the UI runner and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const home = `<html><head><title>Home</title></head><body><p>Hello <a href="/next">there</a></p><p>Bye</p></body></html>`

func newEngine(t *testing.T) *page.Engine {
	t.Helper()
	e := page.NewEngine(page.WithOpener(mapOpener{"mem://home": home}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestDump_Run tests the polling backend end to end
// Main test items:
// 1. The page is written as text with the title and links
// 2. At least the loading status line is printed
// 3. The UI runner is shut down afterwards
func TestDump_Run(t *testing.T) {
	engine := newEngine(t)
	ui := core.NewSingleThreadTaskRunner(core.WithRunnerName("ui"))
	defer ui.Stop()

	var out, status syncBuffer
	d := NewDump(engine, ui,
		WithOutput(&out),
		WithStatusOutput(&status),
		WithPollInterval(5*time.Millisecond))

	require.NoError(t, d.Run(testCtx(t), "mem://home"))

	assert.Equal(t, "Home\n\nHello [/next]there\nBye\n", out.String())
	assert.Contains(t, status.String(), "Loading: mem://home")
	assert.True(t, ui.IsClosed())
}

func TestDump_TreeMode(t *testing.T) {
	engine := newEngine(t)
	ui := core.NewSingleThreadTaskRunner()
	defer ui.Stop()

	var out syncBuffer
	d := NewDump(engine, ui, WithOutput(&out), WithStatusOutput(&syncBuffer{}), WithMode(ModeTree))

	require.NoError(t, d.Open(testCtx(t), "mem://home"))
	assert.True(t, strings.HasPrefix(out.String(), "#document mem://home\n"))
	assert.Contains(t, out.String(), `<a href="/next">`)
	assert.False(t, ui.IsClosed(), "Open must leave the runner running")
}

// TestDump_Failure tests error reporting
// Main test items:
// 1. The Failed error is returned
// 2. The "Error: ..." status reaches the status output
// 3. Nothing is written to the page output
func TestDump_Failure(t *testing.T) {
	engine := newEngine(t)
	ui := core.NewSingleThreadTaskRunner()
	defer ui.Stop()

	var out, status syncBuffer
	d := NewDump(engine, ui, WithOutput(&out), WithStatusOutput(&status), WithPollInterval(5*time.Millisecond))

	err := d.Run(testCtx(t), "mem://missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such page")
	assert.Contains(t, status.String(), "Error: no such page: mem://missing")
	assert.Empty(t, out.String())
}

// stuckService never finishes a page.
type stuckService struct{}

func (stuckService) Request(ctx context.Context, url, referrer string) (page.PageID, error) {
	return page.NewPageID(), nil
}
func (stuckService) Poll(id page.PageID) page.PollResult { return page.PollResult{} }
func (stuckService) GetStatus(id page.PageID, maxLength int) (string, bool) {
	return "", false
}

func TestDump_OpenHonorsContext(t *testing.T) {
	ui := core.NewSingleThreadTaskRunner()
	defer ui.Stop()

	d := NewDump(stuckService{}, ui, WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, d.Open(ctx, "mem://slow"), context.DeadlineExceeded)
}

func TestDump_OpenOnClosedRunner(t *testing.T) {
	ui := core.NewSingleThreadTaskRunner()
	ui.Stop()

	d := NewDump(stuckService{}, ui)
	assert.Error(t, d.Open(context.Background(), "mem://x"))
}

// TestDump_RunInteractive tests the interface worker path
// Main test items:
// 1. The dump runs as an interface worker on the engine's registry
// 2. Closing the engine afterwards joins it and leaves the output intact
func TestDump_RunInteractive(t *testing.T) {
	engine := page.NewEngine(page.WithOpener(mapOpener{"mem://home": home}))
	ui := core.NewSingleThreadTaskRunner()
	defer ui.Stop()

	var out syncBuffer
	d := NewDump(engine, ui, WithOutput(&out), WithStatusOutput(&syncBuffer{}), WithPollInterval(5*time.Millisecond))

	session, err := d.RunInteractive(testCtx(t), engine.Registry(), "mem://home")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "Bye") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Close(testCtx(t)))
	require.NoError(t, session.Wait(testCtx(t)))
	assert.Contains(t, out.String(), "Hello")
}

// TestDump_RunInteractiveStopsWithContext tests cancellation of a session
// Main test items:
// 1. Cancelling the caller's ctx ends the interface worker
// 2. Closing the engine afterwards does not wait for the poll loop
func TestDump_RunInteractiveStopsWithContext(t *testing.T) {
	engine := page.NewEngine(page.WithOpener(mapOpener{}))
	ui := core.NewSingleThreadTaskRunner()
	defer ui.Stop()

	d := NewDump(stuckService{}, ui, WithStatusOutput(&syncBuffer{}), WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	session, err := d.RunInteractive(ctx, engine.Registry(), "mem://slow")
	require.NoError(t, err)

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	assert.ErrorIs(t, session.Wait(waitCtx), context.Canceled)

	start := time.Now()
	require.NoError(t, engine.Close(testCtx(t)))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ui.IsClosed())
}

func TestDump_RunSync(t *testing.T) {
	engine := newEngine(t)
	ui := core.NewSingleThreadTaskRunner(core.WithRunnerName("ui"))
	defer ui.Stop()
	loader := core.NewSingleThreadTaskRunner(core.WithRunnerName("loader"))
	defer loader.Stop()

	var out syncBuffer
	d := NewDump(engine, ui, WithOutput(&out))

	require.NoError(t, d.RunSync(testCtx(t), engine, loader, "mem://home"))
	assert.Contains(t, out.String(), "Bye")

	err := d.RunSync(testCtx(t), engine, loader, "mem://missing")
	assert.Error(t, err)
}

type panickingGetter struct{}

func (panickingGetter) GetPage(ctx context.Context, url, referrer string) (*dom.Document, error) {
	panic("loader crashed")
}

func TestDump_RunSyncReportsPanic(t *testing.T) {
	ui := core.NewSingleThreadTaskRunner()
	defer ui.Stop()
	loader := core.NewSingleThreadTaskRunner()
	defer loader.Stop()

	d := NewDump(stuckService{}, ui, WithOutput(&syncBuffer{}))
	err := d.RunSync(testCtx(t), panickingGetter{}, loader, "mem://x")

	var perr *core.PanicError
	assert.ErrorAs(t, err, &perr)
}
