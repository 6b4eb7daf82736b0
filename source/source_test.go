package source

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-page-runner/core"
)

func fastRetry(n int) core.RetryPolicy {
	return core.RetryPolicy{MaxRetries: n, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffRatio: 2}
}

func readAll(t *testing.T, src *Source) string {
	t.Helper()
	defer src.Close()
	b, err := io.ReadAll(src)
	require.NoError(t, err)
	return string(b)
}

func TestOpen_Files(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<p>hi</p>"), 0o644))

	o := NewOpener(DefaultConfig())

	src, err := o.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", readAll(t, src))

	src, err = o.Open(context.Background(), "file://"+filepath.ToSlash(path))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", readAll(t, src))

	_, err = o.Open(context.Background(), filepath.Join(dir, "missing.html"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpen_Stdin(t *testing.T) {
	o := NewOpener(DefaultConfig(), WithStdin(strings.NewReader("from stdin")))

	src, err := o.Open(context.Background(), "-")
	require.NoError(t, err)
	assert.Equal(t, "-", src.URL)
	assert.Equal(t, "from stdin", readAll(t, src))
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := NewOpener(DefaultConfig()).Open(context.Background(), "gopher://example.org/")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

// TestOpen_HTTPDecodesCharset tests remote fetching
// Main test items:
// 1. The configured User-Agent is sent
// 2. A Latin-1 body is decoded to UTF-8 from the Content-Type header
func TestOpen_HTTPDecodesCharset(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("<p>caf\xe9</p>"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "test-agent/1"
	src, err := NewOpener(cfg).Open(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "<p>café</p>", readAll(t, src))
	assert.Equal(t, "windows-1252", src.Charset)
	assert.Equal(t, "test-agent/1", ua.Load())
}

func TestOpen_HTTPSniffsMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<meta charset="utf-8"><p>naïve</p>`))
	}))
	defer srv.Close()

	src, err := NewOpener(DefaultConfig()).Open(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `<meta charset="utf-8"><p>naïve</p>`, readAll(t, src))
	assert.Equal(t, "utf-8", src.Charset)
}

// TestOpen_HTTPRetriesServerErrors tests the retry policy
// Main test items:
// 1. 5xx responses are retried until success
// 2. 4xx responses fail at once with *HTTPError
func TestOpen_HTTPRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/missing":
			calls.Add(1)
			http.NotFound(w, r)
		case calls.Add(1) < 3:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		default:
			w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Retry = fastRetry(3)
	o := NewOpener(cfg)

	src, err := o.Open(context.Background(), srv.URL+"/flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", readAll(t, src))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	_, err = o.Open(context.Background(), srv.URL+"/missing")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpen_HTTPGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Retry = fastRetry(2)
	_, err := NewOpener(cfg).Open(context.Background(), srv.URL)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.Temporary())
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpen_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Retry = fastRetry(5)
	_, err := NewOpener(cfg).Open(ctx, srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpen_ForcedCharset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latin1.txt")
	require.NoError(t, os.WriteFile(path, []byte("gr\xfc\xdfe"), 0o644))

	cfg := DefaultConfig()
	cfg.Charset = "latin1"
	src, err := NewOpener(cfg).Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "grüße", readAll(t, src))

	cfg.Charset = "no-such-charset"
	_, err = NewOpener(cfg).Open(context.Background(), path)
	assert.Error(t, err)
}

func TestOpen_HTTPSendsReferer(t *testing.T) {
	var referer atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer.Store(r.Referer())
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx := WithReferrer(context.Background(), "https://example.org/from")
	src, err := NewOpener(DefaultConfig()).Open(ctx, srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "ok", readAll(t, src))
	assert.Equal(t, "https://example.org/from", referer.Load())

	assert.Nil(t, WithReferrer(context.Background(), "").Value(referrerKey{}))
}
