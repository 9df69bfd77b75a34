package importer

import (
	"sync"
	"time"
)

// HistoryEntry is one completed import call as remembered by the history
// log.
type HistoryEntry struct {
	When   time.Time     `json:"when"`
	Result *ImportResult `json:"result"`
}

// History is a bounded in-memory log of recent import results, newest
// first, backing the import log endpoint. Results are immutable once
// recorded.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	max     int
}

// NewHistory creates a history that retains at most max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 100
	}
	return &History{max: max}
}

// Add records a completed import, evicting the oldest entry when full.
func (h *History) Add(result *ImportResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, HistoryEntry{When: time.Now(), Result: result})
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns
// everything retained.
func (h *History) Recent(limit int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.entries)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]HistoryEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = h.entries[n-1-i]
	}
	return out
}
