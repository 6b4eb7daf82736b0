// Package page implements the page request protocol: a foreground actor asks
// for a URL, polls for the finished document and reads progress text while a
// background worker fetches and parses it.
package page

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Swind/go-page-runner/dom"
)

var (
	ErrUnknownPage  = errors.New("unknown page id")
	ErrEngineClosed = errors.New("page engine is closed")
	ErrSuperseded   = errors.New("page request superseded by a newer one")
)

// PageID correlates Poll and GetStatus calls with a Request.
type PageID uuid.UUID

// NewPageID returns a random id.
func NewPageID() PageID {
	return PageID(uuid.New())
}

// ParsePageID parses the textual form returned by String.
func ParsePageID(s string) (PageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PageID{}, fmt.Errorf("page id %q: %w", s, err)
	}
	return PageID(u), nil
}

func (id PageID) String() string {
	return uuid.UUID(id).String()
}

// State is the progress of a page request as seen by Poll.
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PollResult is the answer to Poll. Document is set only when State is
// StateReady, Err only when State is StateFailed. Status holds the last
// progress message if the caller had not read it yet.
type PollResult struct {
	State    State
	Document *dom.Document
	Err      error
	Status   string
}

// Done reports whether the request is finished, successfully or not.
func (r PollResult) Done() bool {
	return r.State != StatePending
}

// Service is the contract every presentation backend drives.
type Service interface {
	// Request starts fetching url and returns at once.
	Request(ctx context.Context, url, referrer string) (PageID, error)

	// Poll never blocks. Once it reports Ready or Failed the id is
	// forgotten and the document belongs to the caller.
	Poll(id PageID) PollResult

	// GetStatus returns the progress message produced since the previous
	// call, cut to at most maxLength bytes.
	GetStatus(id PageID, maxLength int) (string, bool)
}

// Measurer reports the rendered size of a node. Backends supply it; layout
// code calls it through Engine.Measure.
type Measurer interface {
	Measure(n *dom.Node) (width, height int, err error)
}

// MeasurerFunc adapts a function to Measurer.
type MeasurerFunc func(n *dom.Node) (width, height int, err error)

func (f MeasurerFunc) Measure(n *dom.Node) (int, int, error) {
	return f(n)
}
