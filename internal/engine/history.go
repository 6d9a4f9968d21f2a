package engine

import (
	"sync"
	"time"
)

// Outcome classifies how an update attempt ended. A rollback still
// counts as failed; RolledBack on the record says the old container
// was restored.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
)

// UpdateRecord is one completed update attempt.
type UpdateRecord struct {
	At          time.Time     `json:"at"`
	ContainerID string        `json:"container_id"`
	Name        string        `json:"name"`
	ImageRef    string        `json:"image_ref"`
	OldDigest   string        `json:"old_digest,omitempty"`
	NewDigest   string        `json:"new_digest,omitempty"`
	NewID       string        `json:"new_id,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	RolledBack  bool          `json:"rolled_back,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// History is a bounded in-memory log of update attempts, newest first.
type History struct {
	mu      sync.Mutex
	records []UpdateRecord
	limit   int
}

// NewHistory creates a History keeping at most limit records.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit}
}

// Add prepends a record, evicting the oldest past the limit.
func (h *History) Add(rec UpdateRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append([]UpdateRecord{rec}, h.records...)
	if len(h.records) > h.limit {
		h.records = h.records[:h.limit]
	}
}

// Recent returns up to n records, newest first. n <= 0 means all.
func (h *History) Recent(n int) []UpdateRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	return append([]UpdateRecord(nil), h.records[:n]...)
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// CountSince returns how many attempts completed at or after t.
func (h *History) CountSince(t time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, rec := range h.records {
		if !rec.At.Before(t) {
			n++
		}
	}
	return n
}
