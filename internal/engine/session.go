package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/locator"
	"github.com/hupe1980/mvccdb/internal/txnlog"
	"github.com/hupe1980/mvccdb/internal/watermark"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateDisconnected is a closed session.
	StateDisconnected State = iota
	// StateConnected is a session between transactions.
	StateConnected
	// StateInTxn is a session with an open transaction.
	StateInTxn
	// StateCommitting is a session whose transaction is being decided.
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateInTxn:
		return "in_txn"
	case StateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session runs one transaction at a time. A Session is not safe for concurrent use.
type Session struct {
	e          *Engine
	idx        int
	state      State
	recovering bool

	beginTS core.Timestamp
	log     *txnlog.Log
	handle  core.LogHandle
	snap    *locator.Snapshot
	created []core.Locator // ascending
}

// State returns the session state.
func (s *Session) State() State { return s.state }

// BeginTS returns the begin timestamp of the open transaction, or zero.
func (s *Session) BeginTS() core.Timestamp { return s.beginTS }

func (s *Session) expect(want State) error {
	switch s.state {
	case want:
		return nil
	case StateDisconnected:
		return ErrClosed
	default:
		return fmt.Errorf("%w: session is %s, want %s", ErrInvalidState, s.state, want)
	}
}

// protect publishes ts as the lowest timestamp this session may read. A reservation
// is only ever lowered while an operation runs; if ts has fallen behind post-GC the
// current post-GC is reserved instead.
func (s *Session) protect(ts core.Timestamp) {
	for {
		if cur := s.e.safe.Published(s.idx); cur.IsValid() && cur <= ts {
			return
		}
		if s.e.safe.Reserve(s.idx, ts) {
			return
		}
		ts = max(s.e.marks.Get(watermark.PostGC), 1)
	}
}

func (s *Session) protectWatermark(k watermark.Kind) {
	s.protect(max(s.e.marks.Get(k), 1))
}

func (s *Session) unprotect() {
	s.e.safe.Release(s.idx)
}

// Begin opens a transaction on a snapshot of every transaction committed before it.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.expect(StateConnected); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.e
	s.protectWatermark(watermark.PostGC)
	defer s.unprotect()

	var beginTS core.Timestamp
	for {
		ts, err := e.txns.Allocate()
		if err != nil {
			return err
		}
		// A scan sealed ts before we could claim it.
		if e.txns.BeginActive(ts) {
			beginTS = ts
			break
		}
	}

	e.drain(beginTS)

	// Logs are collected before the table is copied: a log that garbage collection
	// takes in between has been applied, and so has everything older.
	postApply := e.marks.Get(watermark.PostApply)
	var logs []*txnlog.Log
	for ts := beginTS - 1; ts > postApply; ts-- {
		if !e.txns.Load(ts).IsCommitted() {
			continue
		}
		log, ok := e.loadLog(ts)
		if !ok {
			break
		}
		logs = append(logs, log)
	}
	slices.Reverse(logs)

	snap := e.locators.Snapshot()
	for _, log := range logs {
		snap.Replay(log)
	}

	log := txnlog.New(beginTS)
	handle, err := e.logs.Allocate(log)
	if err != nil {
		e.txns.SetTerminated(beginTS)
		return err
	}

	s.beginTS, s.log, s.handle, s.snap = beginTS, log, handle, snap
	s.state = StateInTxn
	e.observer.RecordBegin()
	e.logger.Debug("transaction began", "begin_ts", beginTS, "replayed", len(logs))
	return nil
}

// Commit decides the open transaction. A conflict is reported as Aborted with a nil
// error. An error wrapping ErrPersistence carries a valid outcome whose marker did
// not reach the log; if that outcome is a conflict the error also wraps ErrConflict.
func (s *Session) Commit(ctx context.Context) (Outcome, error) {
	if err := s.expect(StateInTxn); err != nil {
		return Aborted, err
	}
	e := s.e
	start := time.Now()
	s.protectWatermark(watermark.PostGC)
	defer s.unprotect()

	if s.log.Len() == 0 {
		s.rollback()
		e.maintain()
		e.observer.RecordCommit(time.Since(start), Committed, nil)
		return Committed, nil
	}

	s.state = StateCommitting
	s.log.Seal()
	beginTS := s.beginTS

	if e.persist != nil && !s.recovering {
		ops, err := s.redoOps()
		if err == nil {
			err = e.persist.Prepare(ctx, beginTS, ops)
		}
		if err != nil {
			s.rollback()
			e.maintain()
			e.logger.Error("failed to log transaction", "begin_ts", beginTS, "error", err)
			e.observer.RecordCommit(time.Since(start), Aborted, err)
			return Aborted, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	if !s.recovering {
		e.types.UpdateFromLog(s.log, e.typeOf)
	}

	var commitTS core.Timestamp
	for {
		ts, err := e.txns.Allocate()
		if err != nil {
			e.types.ReclaimFromLog(s.log, false, e.typeOf)
			s.rollback()
			if e.persist != nil && !s.recovering {
				_ = e.persist.Rollback(ctx, beginTS)
			}
			e.observer.RecordCommit(time.Since(start), Aborted, err)
			return Aborted, err
		}
		if e.txns.RegisterCommit(ts, beginTS, s.handle) {
			commitTS = ts
			break
		}
	}
	e.txns.SetSubmitted(beginTS, commitTS)

	committed := e.validate(commitTS)
	e.txns.UpdateDecision(commitTS, committed)
	outcome := Aborted
	if committed {
		outcome = Committed
	}

	var perr error
	if e.persist != nil {
		if !s.recovering {
			if committed {
				perr = e.persist.Commit(ctx, beginTS, commitTS)
			} else {
				perr = e.persist.Rollback(ctx, beginTS)
			}
		}
		e.txns.SetDurable(commitTS)
	}

	// The log now belongs to the metadata entry of commitTS.
	s.finish()
	e.maintain()
	e.observer.RecordCommit(time.Since(start), outcome, perr)

	if perr != nil {
		e.logger.Error("failed to log transaction outcome",
			"begin_ts", beginTS, "commit_ts", commitTS, "outcome", outcome, "error", perr)
		if !committed {
			return outcome, fmt.Errorf("%w: %w: %w", ErrConflict, ErrPersistence, perr)
		}
		return outcome, fmt.Errorf("%w: %w", ErrPersistence, perr)
	}
	if committed {
		e.logger.Debug("transaction committed", "begin_ts", beginTS, "commit_ts", commitTS)
	} else {
		e.logger.Warn("transaction aborted on conflict", "begin_ts", beginTS, "commit_ts", commitTS)
	}
	return outcome, nil
}

// Rollback discards the open transaction.
func (s *Session) Rollback() error {
	if err := s.expect(StateInTxn); err != nil {
		return err
	}
	s.protectWatermark(watermark.PostGC)
	defer s.unprotect()
	s.rollback()
	s.e.maintain()
	return nil
}

// rollback terminates the transaction. Its log never left the session, so the
// versions it wrote are freed right away.
func (s *Session) rollback() {
	e := s.e
	e.txns.SetTerminated(s.beginTS)
	for _, off := range s.log.Redo() {
		e.heap.Deallocate(off)
	}
	e.logs.Release(s.handle)
	e.logger.Debug("transaction rolled back", "begin_ts", s.beginTS)
	s.finish()
	e.observer.RecordRollback()
}

func (s *Session) finish() {
	s.beginTS = core.InvalidTimestamp
	s.log, s.snap, s.created = nil, nil, nil
	s.handle = core.InvalidLogHandle
	s.state = StateConnected
}

// Close rolls back an open transaction and gives up the session's index.
func (s *Session) Close() error {
	switch s.state {
	case StateDisconnected:
		return ErrClosed
	case StateInTxn:
		if err := s.Rollback(); err != nil {
			return err
		}
	case StateCommitting:
		return fmt.Errorf("%w: close during commit", ErrInvalidState)
	}
	s.e.safe.ReleaseIndex(s.idx)
	s.e.sessions.Add(-1)
	s.state = StateDisconnected
	return nil
}
