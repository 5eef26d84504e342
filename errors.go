package mvccdb

import (
	"errors"
	"fmt"

	"github.com/hupe1980/mvccdb/internal/engine"
	"github.com/hupe1980/mvccdb/internal/heap"
	"github.com/hupe1980/mvccdb/internal/idindex"
	"github.com/hupe1980/mvccdb/internal/locator"
	"github.com/hupe1980/mvccdb/internal/persist"
	"github.com/hupe1980/mvccdb/internal/resource"
	"github.com/hupe1980/mvccdb/internal/safets"
	"github.com/hupe1980/mvccdb/internal/txnlog"
	"github.com/hupe1980/mvccdb/internal/txnmeta"
)

var (
	// ErrConflict is returned by Commit when validation found a write-write conflict.
	// The transaction's writes are discarded; retrying it in a new transaction is safe.
	ErrConflict = errors.New("mvccdb: transaction aborted on write-write conflict")
	// ErrNotFound is returned when an id is not visible to the transaction.
	ErrNotFound = errors.New("mvccdb: object not found")
	// ErrDuplicateID is returned when an id has been used before.
	ErrDuplicateID = errors.New("mvccdb: duplicate id")
	// ErrInvalidID is returned for the zero id.
	ErrInvalidID = errors.New("mvccdb: invalid id")
	// ErrInvalidState is returned when a call does not fit the session state.
	ErrInvalidState = errors.New("mvccdb: invalid session state")
	// ErrClosed is returned after the database or session was closed.
	ErrClosed = errors.New("mvccdb: closed")
	// ErrObjectTooLarge is returned when a payload does not fit into one heap chunk.
	ErrObjectTooLarge = errors.New("mvccdb: object too large")
	// ErrPersistenceDisabled is returned by Checkpoint on an in-memory database.
	ErrPersistenceDisabled = errors.New("mvccdb: persistence disabled")
	// ErrPersistence is returned when a transaction outcome could not be logged.
	// The outcome itself stands.
	ErrPersistence = errors.New("mvccdb: persistence failure")
	// ErrCorrupt is returned when recovery finds damaged durable state.
	ErrCorrupt = errors.New("mvccdb: corrupt durable state")
	// ErrResourceExhausted matches every *ResourceExhaustedError.
	ErrResourceExhausted = errors.New("mvccdb: resource exhausted")
)

// ResourceExhaustedError reports which bounded resource ran out.
//
// It matches ErrResourceExhausted with errors.Is. The original underlying error can
// be accessed via errors.Unwrap.
type ResourceExhaustedError struct {
	Resource string
	cause    error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("mvccdb: %s exhausted: %v", e.Resource, e.cause)
}

// Is reports whether target is ErrResourceExhausted.
func (e *ResourceExhaustedError) Is(target error) bool { return target == ErrResourceExhausted }

func (e *ResourceExhaustedError) Unwrap() error { return e.cause }

var exhaustible = []struct {
	err      error
	resource string
}{
	{locator.ErrLocatorsExhausted, "locators"},
	{heap.ErrHeapExhausted, "heap"},
	{resource.ErrMemoryLimitExceeded, "memory"},
	{txnlog.ErrLogsExhausted, "log handles"},
	{safets.ErrIndexesExhausted, "sessions"},
	{idindex.ErrIndexFull, "id index"},
	{txnmeta.ErrTimestampsExhausted, "timestamps"},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	for _, x := range exhaustible {
		if errors.Is(err, x.err) {
			return &ResourceExhaustedError{Resource: x.resource, cause: err}
		}
	}

	switch {
	case errors.Is(err, engine.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, engine.ErrDuplicateID):
		return fmt.Errorf("%w: %w", ErrDuplicateID, err)
	case errors.Is(err, engine.ErrInvalidID):
		return fmt.Errorf("%w: %w", ErrInvalidID, err)
	case errors.Is(err, engine.ErrInvalidState):
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	case errors.Is(err, engine.ErrClosed), errors.Is(err, persist.ErrClosed), errors.Is(err, heap.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, heap.ErrObjectTooLarge):
		return fmt.Errorf("%w: %w", ErrObjectTooLarge, err)
	case errors.Is(err, engine.ErrPersistenceDisabled):
		return fmt.Errorf("%w: %w", ErrPersistenceDisabled, err)
	case errors.Is(err, persist.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, engine.ErrPersistence):
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return err
}
