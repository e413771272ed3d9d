// Package progress provides a lightweight tracker that keeps aggregated
// run-unit counters (total, passed, failed, blocked, skipped) for a single
// batch.  The tracker instance lives in the execution context – every
// component that receives the context can atomically update the counters via
// the Delta helper without requiring a global registry.

package progress

import (
	"context"
	"sync"
	"time"
)

// Delta represents an incremental counter change emitted by the dispatcher
// as run units move through their lifecycle.  The fields are signed and
// therefore can be either positive (increment) or negative (decrement).
type Delta struct {
	Total   int
	Passed  int
	Failed  int
	Blocked int
	Skipped int
	Running int
	Pending int
}

// Progress keeps aggregated run-unit counters for one batch.  It is safe
// for concurrent use and exposes partial results while the batch is still
// running, not only at the end.
type Progress struct {
	// Identification – informative only, filled when the batch starts.
	BatchID   string
	StartedAt time.Time

	// Counters – modified via Update().
	TotalUnits   int
	PassedUnits  int
	FailedUnits  int
	BlockedUnits int
	SkippedUnits int
	RunningUnits int
	PendingUnits int

	mu       sync.Mutex
	onChange func(Progress)
}

// snapshotLocked copies the counters field by field; the lock and the
// callback stay behind so the copy is a plain value.
func (p *Progress) snapshotLocked() Progress {
	return Progress{
		BatchID:      p.BatchID,
		StartedAt:    p.StartedAt,
		TotalUnits:   p.TotalUnits,
		PassedUnits:  p.PassedUnits,
		FailedUnits:  p.FailedUnits,
		BlockedUnits: p.BlockedUnits,
		SkippedUnits: p.SkippedUnits,
		RunningUnits: p.RunningUnits,
		PendingUnits: p.PendingUnits,
	}
}

// Update applies the supplied delta to the tracker.  It is safe to call from
// multiple goroutines.  If an onChange callback has been registered it will be
// invoked with a copy of the updated tracker outside the critical section so
// that the callback can perform slow operations (e.g. JSON encoding, I/O)
// without blocking dispatcher internals.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}

	p.mu.Lock()

	p.TotalUnits += d.Total
	p.PassedUnits += d.Passed
	p.FailedUnits += d.Failed
	p.BlockedUnits += d.Blocked
	p.SkippedUnits += d.Skipped
	p.RunningUnits += d.Running
	p.PendingUnits += d.Pending

	// Make a value-copy for the callback while we still hold the lock to
	// avoid seeing partially updated counters.
	snapshot := p.snapshotLocked()
	cb := p.onChange

	p.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Done reports whether every known unit reached a terminal state.
func (p *Progress) Done() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TotalUnits == p.PassedUnits+p.FailedUnits+p.BlockedUnits+p.SkippedUnits
}

// Snapshot returns a copy of the tracker suitable for read-only inspection.
func (p *Progress) Snapshot() Progress {
	if p == nil {
		return Progress{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// OnChange registers a callback that is invoked after every successful
// Update.  Passing nil disables the callback.  Only one callback can be
// active; subsequent calls overwrite the previous value.
func (p *Progress) OnChange(cb func(Progress)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.onChange = cb
	p.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Context helpers
// ----------------------------------------------------------------------------

type trackerKeyT struct{}

var trackerKey trackerKeyT

// WithNewTracker creates a new Progress tracker, embeds it in a derived
// context and returns both.  The caller may optionally pass an onChange
// callback that will be invoked after every counter update.
func WithNewTracker(ctx context.Context, batchID string, onChange func(Progress)) (context.Context, *Progress) {
	if ctx == nil {
		ctx = context.Background()
	}
	tr := &Progress{
		BatchID:   batchID,
		StartedAt: time.Now(),
		onChange:  onChange,
	}
	return context.WithValue(ctx, trackerKey, tr), tr
}

// FromContext extracts the Progress tracker from ctx.  It returns (tracker,
// ok).  The second return value is false when the context carries no tracker.
func FromContext(ctx context.Context) (*Progress, bool) {
	if ctx == nil {
		return nil, false
	}
	tr, ok := ctx.Value(trackerKey).(*Progress)
	return tr, ok
}

// GetSnapshot is a convenience wrapper that combines FromContext and
// Snapshot.  The boolean return value is false when the context does not
// carry a tracker.
func GetSnapshot(ctx context.Context) (Progress, bool) {
	if tr, ok := FromContext(ctx); ok {
		return tr.Snapshot(), true
	}
	return Progress{}, false
}

// UpdateCtx is a helper that looks up the tracker in ctx (if any) and applies
// the supplied delta.
func UpdateCtx(ctx context.Context, d Delta) {
	if tr, ok := FromContext(ctx); ok {
		tr.Update(d)
	}
}
