package engine

import (
	"fmt"
	"iter"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/heap"
	"github.com/hupe1980/mvccdb/internal/persist"
	"github.com/hupe1980/mvccdb/internal/txnlog"
)

// Create adds a new object. The id is claimed in the shared id index right away,
// so a concurrent create of the same id fails even if this transaction aborts.
func (s *Session) Create(id core.ID, typ core.TypeID, payload []byte) error {
	if err := s.expect(StateInTxn); err != nil {
		return err
	}
	return s.create(id, typ, payload, txnlog.OpCreate)
}

func (s *Session) create(id core.ID, typ core.TypeID, payload []byte, op txnlog.Op) error {
	if id == core.InvalidID {
		return ErrInvalidID
	}
	e := s.e
	if e.ids.Find(id).IsValid() {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	off, err := e.heap.Allocate(id, typ, payload)
	if err != nil {
		return err
	}
	loc, err := e.locators.Allocate()
	if err != nil {
		e.heap.Deallocate(off)
		return err
	}
	inserted, err := e.ids.Insert(id, loc)
	if err != nil || !inserted {
		e.heap.Deallocate(off)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	s.snap.Set(loc, off)
	s.log.Append(txnlog.Record{Locator: loc, New: off, Op: op})
	s.created = append(s.created, loc)
	e.observeID(id)
	return nil
}

// lookup resolves id to its locator and the version visible to the transaction.
func (s *Session) lookup(id core.ID) (core.Locator, core.Offset, error) {
	loc := s.e.ids.Find(id)
	if !loc.IsValid() {
		return 0, 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	off := s.snap.Get(loc)
	if !off.IsValid() {
		return 0, 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return loc, off, nil
}

// Read returns the version of id visible to the transaction. The payload aliases
// heap memory that stays valid until the transaction ends.
func (s *Session) Read(id core.ID) (heap.Object, error) {
	if err := s.expect(StateInTxn); err != nil {
		return heap.Object{}, err
	}
	_, off, err := s.lookup(id)
	if err != nil {
		return heap.Object{}, err
	}
	return s.e.heap.Read(off)
}

// Update replaces the payload of id. The type is kept.
func (s *Session) Update(id core.ID, payload []byte) error {
	if err := s.expect(StateInTxn); err != nil {
		return err
	}
	loc, old, err := s.lookup(id)
	if err != nil {
		return err
	}
	obj, err := s.e.heap.Read(old)
	if err != nil {
		return err
	}
	off, err := s.e.heap.Allocate(id, obj.Type, payload)
	if err != nil {
		return err
	}
	s.snap.Set(loc, off)
	s.log.Append(txnlog.Record{Locator: loc, Old: old, New: off, Op: txnlog.OpUpdate})
	return nil
}

// Remove hides id from the transaction and, once committed, from every later one.
func (s *Session) Remove(id core.ID) error {
	if err := s.expect(StateInTxn); err != nil {
		return err
	}
	loc, old, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.snap.Set(loc, core.InvalidOffset)
	s.log.Append(txnlog.Record{Locator: loc, Old: old, Op: txnlog.OpRemove, DeletedID: id})
	return nil
}

// Clone creates newID with the type and payload of src.
func (s *Session) Clone(src, newID core.ID) error {
	if err := s.expect(StateInTxn); err != nil {
		return err
	}
	_, off, err := s.lookup(src)
	if err != nil {
		return err
	}
	obj, err := s.e.heap.Read(off)
	if err != nil {
		return err
	}
	return s.create(newID, obj.Type, obj.Payload, txnlog.OpClone)
}

// ScanType yields the ids of the objects of typ visible to the transaction, in
// locator order, including objects the transaction created itself. Each call
// starts a new scan. The sequence is empty outside of a transaction.
func (s *Session) ScanType(typ core.TypeID) iter.Seq[core.ID] {
	return func(yield func(core.ID) bool) {
		if s.state != StateInTxn {
			return
		}
		own := append([]core.Locator(nil), s.created...)

		next, stop := iter.Pull(s.e.types.Locators(typ))
		defer stop()
		shared, ok := next()
		i := 0
		for ok || i < len(own) {
			var loc core.Locator
			switch {
			case !ok:
				loc = own[i]
				i++
			case i >= len(own) || shared < own[i]:
				loc = shared
				shared, ok = next()
			case shared == own[i]:
				loc = shared
				shared, ok = next()
				i++
			default:
				loc = own[i]
				i++
			}
			if id, visible := s.visible(loc, typ); visible && !yield(id) {
				return
			}
		}
	}
}

func (s *Session) visible(loc core.Locator, typ core.TypeID) (core.ID, bool) {
	if s.state != StateInTxn {
		return 0, false
	}
	off := s.snap.Get(loc)
	if !off.IsValid() {
		return 0, false
	}
	obj, err := s.e.heap.Read(off)
	if err != nil || obj.Type != typ {
		return 0, false
	}
	return obj.ID, true
}

// objects yields every object visible to the transaction in locator order.
func (s *Session) objects() iter.Seq[persist.Object] {
	return func(yield func(persist.Object) bool) {
		for loc := core.Locator(1); int(loc) < s.snap.Len(); loc++ {
			off := s.snap.Get(loc)
			if !off.IsValid() {
				continue
			}
			obj, err := s.e.heap.Read(off)
			if err != nil {
				continue
			}
			if !yield(persist.Object{ID: obj.ID, Type: obj.Type, Payload: obj.Payload}) {
				return
			}
		}
	}
}

// redoOps turns the sealed log into the net operations recovery must redo.
func (s *Session) redoOps() ([]persist.Op, error) {
	var ops []persist.Op
	var err error
	s.log.Changes(func(c txnlog.Change) {
		if err != nil {
			return
		}
		switch {
		case c.After.IsValid():
			var obj heap.Object
			if obj, err = s.e.heap.Read(c.After); err == nil {
				ops = append(ops, persist.Op{Kind: persist.OpPut, ID: obj.ID, Type: obj.Type, Payload: obj.Payload})
			}
		case c.Before.IsValid():
			var obj heap.Object
			if obj, err = s.e.heap.Read(c.Before); err == nil {
				ops = append(ops, persist.Op{Kind: persist.OpDelete, ID: obj.ID})
			}
		}
	})
	return ops, err
}
