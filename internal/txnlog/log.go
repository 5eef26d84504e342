package txnlog

import (
	"fmt"
	"slices"

	"github.com/hupe1980/mvccdb/internal/core"
)

// Op is the kind of write a record describes.
type Op uint8

const (
	// OpCreate allocates a new object under a fresh locator.
	OpCreate Op = iota + 1
	// OpUpdate replaces the visible version of an object.
	OpUpdate
	// OpRemove hides an object; the record carries its id.
	OpRemove
	// OpClone creates a new object from the payload of an existing one.
	OpClone
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	case OpClone:
		return "clone"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Record is one write performed by a transaction.
type Record struct {
	Locator   core.Locator
	Old       core.Offset
	New       core.Offset
	Op        Op
	DeletedID core.ID // set for OpRemove
}

// Log is the append-only write set of one transaction.
//
// A Log is private to its transaction until Seal sorts it by locator; from then on
// it is immutable and may be read by any thread holding its handle.
type Log struct {
	beginTS core.Timestamp
	records []Record
	sealed  bool
}

// New returns an empty log for the transaction that began at beginTS.
func New(beginTS core.Timestamp) *Log {
	return &Log{beginTS: beginTS}
}

// BeginTS returns the begin timestamp of the owning transaction.
func (l *Log) BeginTS() core.Timestamp { return l.beginTS }

// Append adds a record. Appending to a sealed log is a protocol bug.
func (l *Log) Append(rec Record) {
	core.Invariant(!l.sealed, "append to sealed log of begin_ts %d", l.beginTS)
	core.Invariant(rec.Locator.IsValid(), "log record without locator")
	l.records = append(l.records, rec)
}

// Len returns the number of records.
func (l *Log) Len() int { return len(l.records) }

// Records returns the records in their current order. Callers must not modify them.
func (l *Log) Records() []Record { return l.records }

// Sealed reports whether the log has been sorted and frozen.
func (l *Log) Sealed() bool { return l.sealed }

// Seal sorts the records by locator and freezes the log. The sort is stable, so
// several writes to one locator keep their relative order.
func (l *Log) Seal() {
	if l.sealed {
		return
	}
	slices.SortStableFunc(l.records, func(a, b Record) int {
		switch {
		case a.Locator < b.Locator:
			return -1
		case a.Locator > b.Locator:
			return 1
		default:
			return 0
		}
	})
	l.sealed = true
}

// Conflicts reports whether both sealed logs write at least one common locator.
// It is a merge intersection that stops at the first shared locator.
func (l *Log) Conflicts(other *Log) bool {
	core.Invariant(l.sealed && other.sealed, "conflict check on unsealed log")
	a, b := l.records, other.records
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Locator == b[j].Locator:
			return true
		case a[i].Locator < b[j].Locator:
			i++
		default:
			j++
		}
	}
	return false
}

// Change is the net effect of a sealed log on one locator.
type Change struct {
	Locator core.Locator
	Before  core.Offset // offset visible when the transaction began
	After   core.Offset // offset after the transaction's last write
}

// Changes calls fn with the net effect on each locator, in ascending locator order.
func (l *Log) Changes(fn func(Change)) {
	core.Invariant(l.sealed, "net changes of unsealed log")
	for i := 0; i < len(l.records); {
		j := i
		for j+1 < len(l.records) && l.records[j+1].Locator == l.records[i].Locator {
			j++
		}
		fn(Change{Locator: l.records[i].Locator, Before: l.records[i].Old, After: l.records[j].New})
		i = j + 1
	}
}

// Undo returns the offsets a committed transaction made unreachable: every pre-image
// it replaced, including versions it wrote and then overwrote itself.
func (l *Log) Undo() []core.Offset {
	var out []core.Offset
	for _, rec := range l.records {
		if rec.Old.IsValid() {
			out = append(out, rec.Old)
		}
	}
	return out
}

// Redo returns every version the transaction wrote. For an aborted or rolled back
// transaction none of them were ever visible outside it.
func (l *Log) Redo() []core.Offset {
	var out []core.Offset
	for _, rec := range l.records {
		if rec.New.IsValid() {
			out = append(out, rec.New)
		}
	}
	return out
}
