package parser

import (
	"sync"

	"github.com/Swind/go-page-runner/dom"
)

// TagHandler applies a recognized tag to the document being built. It runs
// on the parser worker and blocks further parsing while it executes.
type TagHandler func(tag *Tag, doc *dom.Document)

// TagBindingTable maps tag keys (see Tag.Key) to handlers. The parser only
// looks handlers up; what a tag does is up to the table.
type TagBindingTable interface {
	Lookup(key string) (TagHandler, bool)
}

// BindingMap is a TagBindingTable backed by a map. It is safe to Bind while
// parsers are looking handlers up.
type BindingMap struct {
	mu       sync.RWMutex
	handlers map[string]TagHandler
}

// NewBindingMap returns an empty table.
func NewBindingMap() *BindingMap {
	return &BindingMap{handlers: make(map[string]TagHandler)}
}

// Bind registers h for key, replacing any previous handler.
func (b *BindingMap) Bind(key string, h TagHandler) *BindingMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = h
	return b
}

// Lookup implements TagBindingTable.
func (b *BindingMap) Lookup(key string) (TagHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[key]
	return h, ok
}

// Len returns the number of bound keys.
func (b *BindingMap) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
