package engine

import (
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/txnlog"
	"github.com/hupe1980/mvccdb/internal/watermark"
)

// maintain runs apply, gc and truncate once. The caller must hold a reservation.
func (e *Engine) maintain() MaintenanceStats {
	var stats MaintenanceStats
	stats.Applied = e.applyLogs()
	stats.Collected, stats.Freed = e.collectGarbage()
	e.advancePostGC()
	stats.Truncated = e.truncate()
	if stats != (MaintenanceStats{}) {
		e.observer.RecordMaintenance(stats)
	}
	return stats
}

// applyLogs merges committed logs into the shared locator table, one timestamp at a
// time, until it reaches a timestamp whose outcome is still open.
//
// A thread applies ts only after claiming it by moving pre-apply from ts-1 to ts
// while post-apply is still at ts-1, so logs are applied once and in order.
func (e *Engine) applyLogs() int {
	applied := 0
	for {
		prev := e.marks.Get(watermark.PreApply)
		ts := prev + 1
		if ts > e.txns.LastAllocated() {
			return applied
		}

		entry := e.txns.Load(ts)
		if entry.IsUninitialized() {
			e.txns.SealUninitialized(ts)
			entry = e.txns.Load(ts)
		}
		switch {
		case entry.IsCommit() && entry.IsValidating():
			return applied
		case entry.IsActive():
			// Snapshots of active transactions must not see later commits.
			return applied
		case entry.IsSubmitted() && e.txns.Load(entry.LinkedTS()).IsValidating():
			return applied
		}

		if e.marks.Get(watermark.PostApply) != prev || !e.marks.Advance(watermark.PreApply, ts) {
			return applied
		}
		if entry.IsCommitted() {
			log, ok := e.loadLog(ts)
			core.Invariant(ok, "log of unapplied commit_ts %d is gone", ts)
			e.applyLog(ts, log)
			applied++
		}
		core.Invariant(e.marks.Advance(watermark.PostApply, ts), "post_apply passed claimed ts %d", ts)
	}
}

func (e *Engine) applyLog(commitTS core.Timestamp, log *txnlog.Log) {
	e.locators.Apply(log)
	// No transaction that could still see the removed objects is running.
	for _, rec := range log.Records() {
		if rec.Op == txnlog.OpRemove {
			e.ids.Remove(rec.DeletedID)
		}
	}
	e.locators.MarkApplied(commitTS)
}

// collectGarbage reclaims the logs of applied commits: the versions a committed log
// replaced or the versions an aborted log wrote. It stops at the first commit that
// is not yet durable or that another thread is already collecting.
func (e *Engine) collectGarbage() (collected, freed int) {
	postApply := e.marks.Get(watermark.PostApply)
	for ts := e.marks.Get(watermark.PostGC) + 1; ts <= postApply; ts++ {
		entry := e.txns.Load(ts)
		if !entry.IsCommit() {
			continue
		}
		if e.persist != nil && !entry.IsDurable() {
			break
		}
		handle := entry.LogHandle()
		if handle == core.InvalidatedLogHandle {
			continue
		}
		if !e.txns.InvalidateLogHandle(ts) {
			break
		}

		log := e.logs.Get(handle)
		committed := entry.IsCommitted()
		e.types.ReclaimFromLog(log, committed, e.typeOf)
		offsets := log.Redo()
		if committed {
			offsets = log.Undo()
		}
		for _, off := range offsets {
			e.heap.Deallocate(off)
		}
		freed += len(offsets)
		e.logs.Release(handle)
		collected++

		core.Invariant(e.txns.SetGCComplete(ts), "commit_ts %d changed during gc", ts)
	}
	return collected, freed
}

// advancePostGC moves post-GC over begin timestamps, sealed timestamps and
// collected commits.
func (e *Engine) advancePostGC() {
	for {
		prev := e.marks.Get(watermark.PostGC)
		ts := prev + 1
		if ts > e.marks.Get(watermark.PostApply) {
			return
		}
		entry := e.txns.Load(ts)
		if entry.IsCommit() && !entry.IsGCComplete() {
			return
		}
		if !e.marks.Advance(watermark.PostGC, ts) {
			return
		}
	}
}

// truncate advances pre-truncate to the safe truncation timestamp and releases the
// metadata pages below it.
func (e *Engine) truncate() bool {
	safe := e.safe.SafeTruncationTS()
	if safe <= e.marks.Get(watermark.PreTruncate) || !e.marks.Advance(watermark.PreTruncate, safe) {
		return false
	}
	e.txns.Truncate(safe)
	return true
}
