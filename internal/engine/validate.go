package engine

import (
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/txnlog"
	"github.com/hupe1980/mvccdb/internal/watermark"
)

// drain decides every commit validating between pre-apply and beginTS and seals
// the timestamps nobody claimed, so the window below beginTS can no longer change.
func (e *Engine) drain(beginTS core.Timestamp) {
	for ts := e.marks.Get(watermark.PreApply) + 1; ts < beginTS; ts++ {
		entry := e.txns.Load(ts)
		if entry.IsUninitialized() {
			e.txns.SealUninitialized(ts)
			entry = e.txns.Load(ts)
		}
		if entry.IsCommit() && entry.IsValidating() {
			e.txns.UpdateDecision(ts, e.validate(ts))
		}
	}
}

// validate reports whether the transaction registered at commitTS may commit: no
// transaction that committed between its begin and commit timestamps wrote any
// locator it wrote.
//
// The first pass seals unclaimed timestamps in the window and tests every log that
// is already committed, repeating until a pass finds nothing new. The second pass
// decides the remaining validating commits recursively and tests the winners. Any
// thread may validate any commit; all of them reach the same decision.
func (e *Engine) validate(commitTS core.Timestamp) bool {
	// A log handle is invalidated only after its commit was decided.
	self, ok := e.loadLog(commitTS)
	if !ok {
		return e.decision(commitTS)
	}
	entry := e.txns.Load(commitTS)
	if entry.IsDecided() {
		return entry.IsCommitted()
	}
	beginTS := entry.LinkedTS()
	core.Invariant(beginTS < commitTS, "commit_ts %d linked to begin_ts %d", commitTS, beginTS)

	window := int(commitTS - beginTS - 1)
	tested := make([]bool, window)

	for found := true; found; {
		found = false
		for i := range window {
			if tested[i] {
				continue
			}
			ts := beginTS + 1 + core.Timestamp(i)
			cur := e.txns.Load(ts)
			if cur.IsUninitialized() {
				e.txns.SealUninitialized(ts)
				cur = e.txns.Load(ts)
			}
			if cur.IsCommitted() {
				tested[i], found = true, true
				conflict, ok := e.logsConflict(self, ts)
				if !ok {
					return e.decision(commitTS)
				}
				if conflict {
					return false
				}
			}
			if own := e.txns.Load(commitTS); own.IsDecided() {
				return own.IsCommitted()
			}
		}
	}

	for i := range window {
		if tested[i] {
			continue
		}
		ts := beginTS + 1 + core.Timestamp(i)
		cur := e.txns.Load(ts)
		if !cur.IsCommit() {
			continue
		}
		if cur.IsValidating() {
			e.txns.UpdateDecision(ts, e.validate(ts))
			cur = e.txns.Load(ts)
		}
		if cur.IsCommitted() {
			conflict, ok := e.logsConflict(self, ts)
			if !ok {
				return e.decision(commitTS)
			}
			if conflict {
				return false
			}
		}
		if own := e.txns.Load(commitTS); own.IsDecided() {
			return own.IsCommitted()
		}
	}
	return true
}

// logsConflict tests log against the log of the committed commitTS. It reports
// ok=false if garbage collection already took that log, which can only happen
// once the transaction owning log has been decided and applied.
func (e *Engine) logsConflict(log *txnlog.Log, commitTS core.Timestamp) (conflict, ok bool) {
	other, ok := e.loadLog(commitTS)
	if !ok {
		return false, false
	}
	return log.Conflicts(other), true
}

func (e *Engine) decision(commitTS core.Timestamp) bool {
	entry := e.txns.Load(commitTS)
	core.Invariant(entry.IsDecided(), "log of undecided commit_ts %d is gone", commitTS)
	return entry.IsCommitted()
}
