package diag

import (
	"sync/atomic"
	"time"
)

// CycleSummary is a snapshot of one cycle's last outcome, as shown by the
// /status endpoint.
type CycleSummary struct {
	LastRunAt time.Time
	Running   bool
	Summary   string
	Err       string
}

// StatusTracker holds the last-known summary of each of the three periodic
// cycles. The supervisor updates it after every cycle attempt; the /status
// handler reads it lock-free via atomic.Pointer.
type StatusTracker struct {
	collect atomic.Pointer[CycleSummary]
	upload  atomic.Pointer[CycleSummary]
	sync    atomic.Pointer[CycleSummary]
}

// NewStatusTracker returns a tracker with empty summaries.
func NewStatusTracker() *StatusTracker {
	t := &StatusTracker{}
	empty := &CycleSummary{}
	t.collect.Store(empty)
	t.upload.Store(empty)
	t.sync.Store(empty)
	return t
}

func (t *StatusTracker) SetCollect(s CycleSummary) { t.collect.Store(&s) }
func (t *StatusTracker) SetUpload(s CycleSummary)  { t.upload.Store(&s) }
func (t *StatusTracker) SetSync(s CycleSummary)    { t.sync.Store(&s) }

func (t *StatusTracker) Collect() CycleSummary { return *t.collect.Load() }
func (t *StatusTracker) Upload() CycleSummary  { return *t.upload.Load() }
func (t *StatusTracker) Sync() CycleSummary    { return *t.sync.Load() }
