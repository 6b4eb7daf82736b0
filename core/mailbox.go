package core

import (
	"context"
	"sync"
)

// Mailbox is a single-slot handoff point between threads. At most one
// (kind, payload) pair is held at a time.
//
// Give stores a value and never blocks; a second Give before the slot is
// consumed replaces the first one (latest wins). Send is the backpressure
// variant: it waits until the slot is empty before storing. WaitAndTake
// blocks until a value is present and removes it; TryTake removes the value
// only when it has the expected kind.
//
// If several goroutines wait concurrently, each stored value is taken by
// exactly one of them.
type Mailbox[K comparable] struct {
	name string

	mu      sync.Mutex
	kind    K
	payload any
	full    bool

	// filled carries at most one wakeup for WaitAndTake; drained carries at
	// most one wakeup for Send.
	filled  chan struct{}
	drained chan struct{}

	overwrites int64
	metrics    Metrics
}

// MailboxOption configures a Mailbox.
type MailboxOption[K comparable] func(*Mailbox[K])

// WithMailboxMetrics reports overwrites to m.
func WithMailboxMetrics[K comparable](m Metrics) MailboxOption[K] {
	return func(b *Mailbox[K]) {
		if m != nil {
			b.metrics = m
		}
	}
}

// NewMailbox creates an empty mailbox. name is used in metrics.
func NewMailbox[K comparable](name string, opts ...MailboxOption[K]) *Mailbox[K] {
	b := &Mailbox[K]{
		name:    name,
		filled:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		metrics: &NilMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the mailbox name.
func (b *Mailbox[K]) Name() string {
	return b.name
}

// Give stores (kind, payload) and wakes one waiter. It reports whether an
// unconsumed value was discarded.
func (b *Mailbox[K]) Give(kind K, payload any) (overwrote bool) {
	b.mu.Lock()
	overwrote = b.full
	b.kind = kind
	b.payload = payload
	b.full = true
	if overwrote {
		b.overwrites++
	}
	b.mu.Unlock()

	if overwrote {
		b.metrics.RecordMailboxOverwrite(b.name)
	}
	signal(b.filled)
	return overwrote
}

// Send stores (kind, payload) once the slot is empty. It returns ctx.Err()
// if ctx ends first, in which case nothing is stored.
func (b *Mailbox[K]) Send(ctx context.Context, kind K, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		b.mu.Lock()
		if !b.full {
			b.kind = kind
			b.payload = payload
			b.full = true
			b.mu.Unlock()
			signal(b.filled)
			return nil
		}
		b.mu.Unlock()

		select {
		case <-b.drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitAndTake blocks until a value is present, then removes and returns it.
func (b *Mailbox[K]) WaitAndTake(ctx context.Context) (K, any, error) {
	for {
		if kind, payload, ok := b.take(nil); ok {
			return kind, payload, nil
		}

		select {
		case <-b.filled:
		case <-ctx.Done():
			var zero K
			return zero, nil, ctx.Err()
		}
	}
}

// TryTake removes and returns the payload if the slot holds expected.
// Otherwise the slot is left untouched. It never blocks.
func (b *Mailbox[K]) TryTake(expected K) (any, bool) {
	_, payload, ok := b.take(&expected)
	return payload, ok
}

// Kind reports the kind currently held, if any.
func (b *Mailbox[K]) Kind() (K, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind, b.full
}

// Overwrites returns how many values were discarded by Give.
func (b *Mailbox[K]) Overwrites() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overwrites
}

func (b *Mailbox[K]) take(expected *K) (K, any, bool) {
	b.mu.Lock()
	if !b.full || (expected != nil && b.kind != *expected) {
		var zero K
		b.mu.Unlock()
		return zero, nil, false
	}

	kind, payload := b.kind, b.payload
	var zero K
	b.kind = zero
	b.payload = nil
	b.full = false
	b.mu.Unlock()

	signal(b.drained)
	return kind, payload, true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
