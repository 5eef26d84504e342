package core

import "fmt"

// ID is a stable, user-facing object identifier.
// Invariant: an ID maps to at most one Locator for its entire lifetime.
type ID uint64

// InvalidID is the zero ID. It is never assigned to an object.
const InvalidID ID = 0

// TypeID tags an object with its application-defined type.
type TypeID uint32

// Locator is a dense, 1-based handle that indirects to the current Offset of an object.
// Locators are never reused for a different logical object.
type Locator uint64

// InvalidLocator is the zero Locator.
const InvalidLocator Locator = 0

// IsValid reports whether l refers to an allocated locator.
func (l Locator) IsValid() bool { return l != InvalidLocator }

// Offset identifies one immutable object version in the heap.
type Offset uint64

// InvalidOffset marks "no version": a locator that maps to it is not visible.
const InvalidOffset Offset = 0

// IsValid reports whether o refers to an object version.
func (o Offset) IsValid() bool { return o != InvalidOffset }

// Timestamp is drawn from the single global sequence shared by begin and commit timestamps.
type Timestamp uint64

// InvalidTimestamp is the zero Timestamp. The first allocated timestamp is 1.
const InvalidTimestamp Timestamp = 0

// IsValid reports whether ts has been allocated.
func (ts Timestamp) IsValid() bool { return ts != InvalidTimestamp }

// LogHandle names a transaction log in the log registry.
type LogHandle uint16

const (
	// InvalidLogHandle is the zero handle.
	InvalidLogHandle LogHandle = 0
	// InvalidatedLogHandle marks a handle that garbage collection has taken ownership of.
	InvalidatedLogHandle LogHandle = 0xFFFF
	// MaxLogHandle is the largest assignable handle.
	MaxLogHandle LogHandle = InvalidatedLogHandle - 1
)

// IsValid reports whether h names a live log.
func (h LogHandle) IsValid() bool {
	return h != InvalidLogHandle && h != InvalidatedLogHandle
}

// Invariant panics with a formatted protocol-violation message.
// A violated invariant means the shared view may already be corrupt, so there is no recovery.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violation: " + fmt.Sprintf(format, args...))
	}
}
