// Package typeindex maps object types to the locators holding objects of that type.
//
// The index is shared and non-transactional: it holds a superset of the locators
// any snapshot can see. Locators are added before their creating transaction
// submits, and removed only when garbage collection proves no snapshot can still
// see them (a committed remove, or a create whose transaction aborted). Readers
// must check every candidate against their own snapshot.
package typeindex

import (
	"iter"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/txnlog"
)

// Resolver returns the type of the object version at off.
type Resolver func(off core.Offset) (core.TypeID, bool)

// Index is a concurrent type -> locator-set index.
type Index struct {
	mu    sync.RWMutex
	types map[core.TypeID]*roaring64.Bitmap
}

// New creates an empty index.
func New() *Index {
	return &Index{types: make(map[core.TypeID]*roaring64.Bitmap)}
}

// Add records that loc holds an object of type typ.
func (x *Index) Add(typ core.TypeID, loc core.Locator) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(typ, loc)
}

func (x *Index) addLocked(typ core.TypeID, loc core.Locator) {
	bm, ok := x.types[typ]
	if !ok {
		bm = roaring64.New()
		x.types[typ] = bm
	}
	bm.Add(uint64(loc))
}

// Remove drops loc from the set of typ.
func (x *Index) Remove(typ core.TypeID, loc core.Locator) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(typ, loc)
}

func (x *Index) removeLocked(typ core.TypeID, loc core.Locator) {
	bm, ok := x.types[typ]
	if !ok {
		return
	}
	bm.Remove(uint64(loc))
	if bm.IsEmpty() {
		delete(x.types, typ)
	}
}

// UpdateFromLog indexes the objects a sealed log creates. It runs before the
// owning transaction submits.
func (x *Index) UpdateFromLog(log *txnlog.Log, resolve Resolver) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, rec := range log.Records() {
		if rec.Op != txnlog.OpCreate && rec.Op != txnlog.OpClone {
			continue
		}
		if typ, ok := resolve(rec.New); ok {
			x.addLocked(typ, rec.Locator)
		}
	}
}

// ReclaimFromLog drops the locators a decided log made permanently invisible:
// removes of a committed log, creates of an aborted one. It must run while the
// versions the log references are still allocated.
func (x *Index) ReclaimFromLog(log *txnlog.Log, committed bool, resolve Resolver) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, rec := range log.Records() {
		switch {
		case committed && rec.Op == txnlog.OpRemove:
			if typ, ok := resolve(rec.Old); ok {
				x.removeLocked(typ, rec.Locator)
			}
		case !committed && (rec.Op == txnlog.OpCreate || rec.Op == txnlog.OpClone):
			if typ, ok := resolve(rec.New); ok {
				x.removeLocked(typ, rec.Locator)
			}
		}
	}
}

// Locators yields the candidate locators of typ in ascending order. The sequence
// iterates a copy taken when iteration starts, so it is restartable and never
// blocks writers.
func (x *Index) Locators(typ core.TypeID) iter.Seq[core.Locator] {
	return func(yield func(core.Locator) bool) {
		x.mu.RLock()
		bm, ok := x.types[typ]
		if !ok {
			x.mu.RUnlock()
			return
		}
		snapshot := bm.Clone()
		x.mu.RUnlock()

		it := snapshot.Iterator()
		for it.HasNext() {
			if !yield(core.Locator(it.Next())) {
				return
			}
		}
	}
}

// Count returns the number of candidate locators of typ.
func (x *Index) Count(typ core.TypeID) uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if bm, ok := x.types[typ]; ok {
		return bm.GetCardinality()
	}
	return 0
}

// Types returns the number of types with at least one candidate.
func (x *Index) Types() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.types)
}

// Populate rebuilds the index from locators 1..last. Locators resolve reports
// as empty are skipped.
func (x *Index) Populate(last core.Locator, resolve func(core.Locator) (core.TypeID, bool)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	clear(x.types)
	for loc := core.Locator(1); loc <= last; loc++ {
		if typ, ok := resolve(loc); ok {
			x.addLocked(typ, loc)
		}
	}
}
