package core

import "sync"

const defaultHistoryCapacity = 100

// ParseHistory keeps the most recent ParseRecords in a fixed-size ring.
type ParseHistory struct {
	mu    sync.Mutex
	items []ParseRecord
	head  int
	count int
}

// NewParseHistory creates a ring holding up to capacity records. A
// capacity below one selects the default of 100.
func NewParseHistory(capacity int) *ParseHistory {
	if capacity < 1 {
		capacity = defaultHistoryCapacity
	}
	return &ParseHistory{items: make([]ParseRecord, capacity)}
}

// Add stores record, evicting the oldest one when full.
func (h *ParseHistory) Add(record ParseRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (h *ParseHistory) Recent(limit int) []ParseRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}

	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]ParseRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// Last returns the newest record.
func (h *ParseHistory) Last() (ParseRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return ParseRecord{}, false
	}

	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}

// Len returns the number of stored records.
func (h *ParseHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
