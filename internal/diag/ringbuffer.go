// Package diag holds the CollectionError ring buffer backing the /errors
// endpoint, grounded on the teacher's internal/requestlog "keep the last N"
// ring-buffer pattern (reimplemented fresh here, since requestlog itself
// was dropped along with the rest of the reverse-proxy package tree).
package diag

import (
	"sync"

	"github.com/syncmcp/edge-agent/internal/model"
)

const defaultCapacity = 100

// RingBuffer keeps the most recent CollectionError entries across every
// component, oldest dropped first once it reaches capacity.
type RingBuffer struct {
	mu       sync.Mutex
	entries  []model.CollectionError
	capacity int
}

// NewRingBuffer returns a buffer retaining the last capacity entries.
// capacity <= 0 selects the default of 100.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RingBuffer{capacity: capacity}
}

// Record appends an entry, evicting the oldest if at capacity.
func (b *RingBuffer) Record(e model.CollectionError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// Recent returns a copy of the currently retained entries, newest last.
func (b *RingBuffer) Recent() []model.CollectionError {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.CollectionError, len(b.entries))
	copy(out, b.entries)
	return out
}
