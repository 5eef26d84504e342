// Package core defines the identifier types shared by every layer of the engine.
//
// All handles are plain integers with 0 reserved as the invalid value:
//
//	ID         user-facing object identifier
//	Locator    indirection slot, maps to the visible Offset of an object
//	Offset     position of one immutable object version in the heap
//	Timestamp  begin and commit timestamps, drawn from one sequence
//	LogHandle  16-bit name of a transaction log in the log registry
package core
