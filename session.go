package mvccdb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hupe1980/mvccdb/internal/engine"
)

// Session runs transactions one at a time. A Session is not safe for concurrent
// use; open one per goroutine.
//
// Example:
//
//	s, _ := db.Connect()
//	defer s.Close()
//	for {
//	    s.Begin(ctx)
//	    obj, _ := s.Read(id)
//	    s.Update(id, next(obj.Payload))
//	    if err := s.Commit(ctx); !errors.Is(err, mvccdb.ErrConflict) {
//	        return err
//	    }
//	}
type Session struct {
	db     *DB
	s      *engine.Session
	logger *Logger
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Begin opens a transaction that sees every transaction committed before it.
func (s *Session) Begin(ctx context.Context) error {
	return translateError(s.s.Begin(ctx))
}

// InTxn reports whether a transaction is open.
func (s *Session) InTxn() bool {
	return s.s.State() == engine.StateInTxn
}

// BeginTS returns the begin timestamp of the open transaction, or zero.
func (s *Session) BeginTS() Timestamp {
	return s.s.BeginTS()
}

// Commit ends the open transaction. It returns ErrConflict if the transaction
// lost a write-write conflict. An error matching ErrPersistence means the
// transaction was decided but its outcome may not survive a restart; such an
// error also matches ErrConflict when the decision was an abort.
func (s *Session) Commit(ctx context.Context) error {
	start := time.Now()
	logger := s.logger.WithTxn(uint64(s.s.BeginTS()))
	outcome, err := s.s.Commit(ctx)
	conflict := outcome == Aborted && (err == nil || errors.Is(err, engine.ErrConflict))
	err = translateError(err)
	switch {
	case conflict && err == nil:
		err = ErrConflict
	case conflict:
		err = fmt.Errorf("%w: %w", ErrConflict, err)
	}
	logger.LogCommit(ctx, time.Since(start), err)
	return err
}

// Rollback discards the open transaction.
func (s *Session) Rollback() error {
	err := translateError(s.s.Rollback())
	s.logger.LogRollback(context.Background(), err)
	return err
}

// Close rolls back an open transaction and releases the session.
func (s *Session) Close() error {
	return translateError(s.s.Close())
}

// Create adds an object under id. Ids are never reused: creating an id that was
// ever created before fails with ErrDuplicateID, even if that object was removed
// or its transaction aborted.
func (s *Session) Create(id ID, typ TypeID, payload []byte) error {
	return translateError(s.s.Create(id, typ, payload))
}

// Read returns a copy of the object visible to the transaction.
func (s *Session) Read(id ID) (Object, error) {
	obj, err := s.s.Read(id)
	if err != nil {
		return Object{}, translateError(err)
	}
	return Object{
		ID:      obj.ID,
		Type:    obj.Type,
		Payload: append([]byte(nil), obj.Payload...),
	}, nil
}

// Update replaces the payload of id.
func (s *Session) Update(id ID, payload []byte) error {
	return translateError(s.s.Update(id, payload))
}

// Remove deletes id.
func (s *Session) Remove(id ID) error {
	return translateError(s.s.Remove(id))
}

// Clone creates newID as a copy of src.
func (s *Session) Clone(src, newID ID) error {
	return translateError(s.s.Clone(src, newID))
}

// ScanType yields the ids of every object of typ visible to the transaction,
// including the transaction's own creates. The sequence is lazy; calling Update
// or Remove while ranging over it is allowed.
func (s *Session) ScanType(typ TypeID) iter.Seq[ID] {
	return s.s.ScanType(typ)
}
