package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// TestSlogLogger_JSON tests structured output
// Main test items:
// 1. Fields are written as JSON attributes
// 2. Records below the level are dropped
// 3. With adds fields to every record
func TestSlogLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger("info", "json", &buf).With(F("component", "engine"))

	logger.Debug("hidden")
	logger.Info("page ready", F("url", "mem://a"), F("tags", 5))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 record, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Record is not JSON: %v", err)
	}
	if rec["msg"] != "page ready" || rec["level"] != "INFO" {
		t.Errorf("Unexpected record %v", rec)
	}
	if rec["url"] != "mem://a" || rec["tags"] != float64(5) || rec["component"] != "engine" {
		t.Errorf("Missing fields in %v", rec)
	}
}

func TestSlogLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger("debug", "text", &buf)

	logger.Debug("worker finished", F("outcome", "cancelled"))

	if !strings.Contains(buf.String(), "outcome=cancelled") {
		t.Errorf("Expected text attribute, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffRatio: 2}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d): expected %v, got %v", i, w, got)
		}
	}
	if NoRetry().Delay(3) != 0 {
		t.Error("NoRetry should never wait")
	}
}

// TestRetryPolicy_Do tests retry control
// Main test items:
// 1. fn is retried up to MaxRetries extra times
// 2. A non-retryable error stops at once
// 3. A cancelled context stops the wait
func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffRatio: 1}
	ctx := context.Background()

	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	if err != nil || calls != 3 {
		t.Errorf("Expected success on third call, got err=%v calls=%d", err, calls)
	}

	permanent := errors.New("404")
	calls = 0
	err = p.Do(ctx, func() error {
		calls++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("Expected one call with the permanent error, got err=%v calls=%d", err, calls)
	}

	slow := RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour, BackoffRatio: 1}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = slow.Do(cctx, func() error { return errors.New("down") }, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}
