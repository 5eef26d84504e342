// Package watermark implements the monotonic cursors that sequence log application,
// garbage collection and metadata truncation.
package watermark

import (
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
)

// Kind selects one of the four watermarks.
type Kind int

const (
	// PreApply is the last timestamp whose log application has been claimed.
	PreApply Kind = iota
	// PostApply is the last timestamp whose log has been applied to the shared view.
	PostApply
	// PostGC is the last timestamp whose resources have been reclaimed.
	PostGC
	// PreTruncate is the exclusive bound below which metadata entries may be released.
	PreTruncate

	numKinds
)

func (k Kind) String() string {
	switch k {
	case PreApply:
		return "pre_apply"
	case PostApply:
		return "post_apply"
	case PostGC:
		return "post_gc"
	case PreTruncate:
		return "pre_truncate"
	default:
		return fmt.Sprintf("watermark(%d)", int(k))
	}
}

// Set holds the watermarks. Invariant: PreTruncate <= PostGC <= PostApply <= PreApply.
type Set struct {
	marks [numKinds]atomic.Uint64
}

// New returns a Set with every watermark at the invalid timestamp.
func New() *Set {
	return &Set{}
}

// Get returns the current value of a watermark.
func (s *Set) Get(k Kind) core.Timestamp {
	return core.Timestamp(s.marks[k].Load())
}

// Advance moves the watermark forward to ts.
// It reports false if the watermark is already at or past ts, or if a concurrent
// advance won the race; callers treat either as someone else having made progress.
func (s *Set) Advance(k Kind, ts core.Timestamp) bool {
	for {
		current := s.marks[k].Load()
		if uint64(ts) <= current {
			return false
		}
		if s.marks[k].CompareAndSwap(current, uint64(ts)) {
			return true
		}
	}
}

// Snapshot is a point-in-time view of all four watermarks.
type Snapshot struct {
	PreApply    core.Timestamp
	PostApply   core.Timestamp
	PostGC      core.Timestamp
	PreTruncate core.Timestamp
}

// Snapshot reads the watermarks from the slowest-moving to the fastest, so the
// invariant ordering holds for the returned values even while they advance.
func (s *Set) Snapshot() Snapshot {
	var snap Snapshot
	snap.PreTruncate = s.Get(PreTruncate)
	snap.PostGC = s.Get(PostGC)
	snap.PostApply = s.Get(PostApply)
	snap.PreApply = s.Get(PreApply)
	return snap
}

// Ordered reports whether the snapshot respects the watermark invariant.
func (snap Snapshot) Ordered() bool {
	return snap.PreTruncate <= snap.PostGC &&
		snap.PostGC <= snap.PostApply &&
		snap.PostApply <= snap.PreApply
}
