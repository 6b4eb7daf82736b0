// Package source opens byte sources for the parser: local files, standard
// input and http(s) URLs. Remote bodies are decoded to UTF-8.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/Swind/go-page-runner/core"
)

var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Temporary reports whether the request may succeed when retried.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Source is an open byte source. It must be closed by the caller.
type Source struct {
	*bufio.Reader

	URL         string
	ContentType string
	Charset     string

	closer io.Closer
}

// Close releases the underlying stream.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type referrerKey struct{}

// WithReferrer returns a context whose http requests carry a Referer
// header.
func WithReferrer(ctx context.Context, referrer string) context.Context {
	if referrer == "" {
		return ctx
	}
	return context.WithValue(ctx, referrerKey{}, referrer)
}

// Opener resolves a URL into an open Source.
type Opener interface {
	Open(ctx context.Context, target string) (*Source, error)
}

// Config holds the tunables of the default opener.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Charset forces the decoder for every source; empty means sniff http
	// bodies and read files as they are.
	Charset string
	Retry   core.RetryPolicy
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		UserAgent: "pagerunner/0.1",
		Timeout:   30 * time.Second,
		Retry:     core.DefaultRetryPolicy(),
	}
}

// DefaultOpener opens file:, http:, https:, bare paths and "-" for stdin.
type DefaultOpener struct {
	cfg    Config
	client *http.Client
	stdin  io.Reader
	logger core.Logger
}

// OpenerOption configures a DefaultOpener.
type OpenerOption func(*DefaultOpener)

// WithHTTPClient replaces the http client. Its Timeout is left untouched.
func WithHTTPClient(c *http.Client) OpenerOption {
	return func(o *DefaultOpener) {
		if c != nil {
			o.client = c
		}
	}
}

// WithStdin replaces the reader used for "-".
func WithStdin(r io.Reader) OpenerOption {
	return func(o *DefaultOpener) {
		if r != nil {
			o.stdin = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) OpenerOption {
	return func(o *DefaultOpener) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOpener creates an opener with cfg.
func NewOpener(cfg Config, opts ...OpenerOption) *DefaultOpener {
	o := &DefaultOpener{
		cfg:    cfg,
		stdin:  os.Stdin,
		logger: core.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.Timeout}
	}
	return o
}

// Open implements Opener.
func (o *DefaultOpener) Open(ctx context.Context, target string) (*Source, error) {
	if target == "-" {
		return o.wrap(target, "", io.NopCloser(o.stdin))
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", target, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "":
		return o.openFile(target)
	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return o.openFile(path)
	case "http", "https":
		return o.openHTTP(ctx, u.String())
	default:
		// Windows drive letters parse as a one-letter scheme.
		if len(u.Scheme) == 1 && filepath.VolumeName(target) != "" {
			return o.openFile(target)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (o *DefaultOpener) openFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return o.wrap(path, "", f)
}

func (o *DefaultOpener) openHTTP(ctx context.Context, target string) (*Source, error) {
	var resp *http.Response
	attempt := 0
	err := o.cfg.Retry.Do(ctx, func() error {
		attempt++
		r, err := o.get(ctx, target)
		if err != nil {
			o.logger.Debug("fetch attempt failed",
				core.F("url", target), core.F("attempt", attempt), core.F("error", err))
			return err
		}
		resp = r
		return nil
	}, retryable)
	if err != nil {
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if o.cfg.Charset != "" {
		return o.wrap(target, ct, resp.Body)
	}

	// Sniff from the header, a BOM or a <meta> in the first KiB.
	body := bufio.NewReader(resp.Body)
	head, _ := body.Peek(1024)
	enc, name, _ := charset.DetermineEncoding(head, ct)
	src := newSource(target, ct, enc.NewDecoder().Reader(body), resp.Body)
	src.Charset = name
	return src, nil
}

func (o *DefaultOpener) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if o.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", o.cfg.UserAgent)
	}
	if ref, ok := ctx.Value(referrerKey{}).(string); ok {
		req.Header.Set("Referer", ref)
	}
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &HTTPError{URL: target, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// wrap applies the forced charset, if any, and buffers rc.
func (o *DefaultOpener) wrap(name, contentType string, rc io.ReadCloser) (*Source, error) {
	if o.cfg.Charset == "" {
		return newSource(name, contentType, rc, rc), nil
	}
	enc, err := htmlindex.Get(o.cfg.Charset)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("charset %q: %w", o.cfg.Charset, err)
	}
	src := newSource(name, contentType, enc.NewDecoder().Reader(rc), rc)
	src.Charset, _ = htmlindex.Name(enc)
	return src, nil
}

func newSource(name, contentType string, r io.Reader, c io.Closer) *Source {
	return &Source{
		Reader:      bufio.NewReader(r),
		URL:         name,
		ContentType: contentType,
		closer:      c,
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

var _ Opener = (*DefaultOpener)(nil)
