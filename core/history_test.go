package core

import (
	"fmt"
	"testing"
)

// TestParseHistory_RingEviction tests the bounded history
// Main test items:
// 1. Records beyond capacity evict the oldest ones
// 2. Recent returns newest first and honors limit
// 3. Last returns the newest record
func TestParseHistory_RingEviction(t *testing.T) {
	h := NewParseHistory(3)

	if _, ok := h.Last(); ok {
		t.Error("Empty history should have no last record")
	}
	if got := h.Recent(0); got != nil {
		t.Errorf("Empty history should return nil, got %v", got)
	}

	for i := 1; i <= 5; i++ {
		h.Add(ParseRecord{URL: fmt.Sprintf("mem://%d", i), Outcome: "ready"})
	}

	if h.Len() != 3 {
		t.Fatalf("Expected 3 records, got %d", h.Len())
	}

	all := h.Recent(0)
	want := []string{"mem://5", "mem://4", "mem://3"}
	for i, rec := range all {
		if rec.URL != want[i] {
			t.Errorf("Recent[%d]: expected %s, got %s", i, want[i], rec.URL)
		}
	}

	if two := h.Recent(2); len(two) != 2 || two[1].URL != "mem://4" {
		t.Errorf("Unexpected limited result %v", two)
	}
	if many := h.Recent(10); len(many) != 3 {
		t.Errorf("Limit above size should return everything, got %d", len(many))
	}

	last, ok := h.Last()
	if !ok || last.URL != "mem://5" {
		t.Errorf("Expected mem://5 as last, got %v", last.URL)
	}
}

func TestParseHistory_DefaultCapacity(t *testing.T) {
	h := NewParseHistory(0)
	for i := 0; i < 150; i++ {
		h.Add(ParseRecord{Tags: i})
	}
	if h.Len() != defaultHistoryCapacity {
		t.Errorf("Expected %d records, got %d", defaultHistoryCapacity, h.Len())
	}
	if last, _ := h.Last(); last.Tags != 149 {
		t.Errorf("Expected newest record to have 149 tags, got %d", last.Tags)
	}
}
