package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/mvccdb/internal/idindex"
	"github.com/hupe1980/mvccdb/internal/locator"
	"github.com/hupe1980/mvccdb/internal/safets"
	"github.com/hupe1980/mvccdb/internal/txnlog"
)

var (
	// ErrClosed is returned by operations on a closed engine or session.
	ErrClosed = errors.New("engine: closed")
	// ErrInvalidState is returned when an operation does not fit the session state,
	// such as Begin inside a transaction or Commit outside of one.
	ErrInvalidState = errors.New("engine: invalid session state")
	// ErrNotFound is returned when an id is not visible in the transaction's snapshot.
	ErrNotFound = errors.New("engine: object not found")
	// ErrDuplicateID is returned when an id has already been inserted.
	ErrDuplicateID = errors.New("engine: duplicate id")
	// ErrInvalidID is returned for the zero id.
	ErrInvalidID = errors.New("engine: invalid id")
	// ErrPersistenceDisabled is returned by operations that need persistence.
	ErrPersistenceDisabled = errors.New("engine: persistence disabled")
	// ErrPersistence wraps failures to log a transaction. The transaction's
	// decision stands; only its durability is in doubt.
	ErrPersistence = errors.New("engine: persistence failure")
	// ErrConflict accompanies ErrPersistence when the transaction whose outcome
	// could not be logged was aborted by validation.
	ErrConflict = errors.New("engine: write-write conflict")
)

// Outcome is the decision of a commit.
type Outcome int

const (
	// Committed means the transaction's writes are visible to every later transaction.
	Committed Outcome = iota
	// Aborted means validation found a write-write conflict; none of the writes survive.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MaintenanceStats reports the work one maintenance pass did.
type MaintenanceStats struct {
	Applied   int  // committed logs merged into the shared view
	Collected int  // decided logs reclaimed
	Freed     int  // object versions deallocated
	Truncated bool // pre-truncate watermark advanced
}

// Observer receives engine events. Implementations must be safe for concurrent use.
type Observer interface {
	RecordBegin()
	RecordCommit(d time.Duration, outcome Outcome, err error)
	RecordRollback()
	RecordMaintenance(stats MaintenanceStats)
}

type noopObserver struct{}

func (noopObserver) RecordBegin()                               {}
func (noopObserver) RecordCommit(time.Duration, Outcome, error) {}
func (noopObserver) RecordRollback()                            {}
func (noopObserver) RecordMaintenance(MaintenanceStats)         {}

// DefaultRecoveryBatchSize is the number of recovered objects per replay transaction.
const DefaultRecoveryBatchSize = 4096

// Config configures an Engine.
type Config struct {
	LocatorCapacity   int
	MaxSessions       int
	MaxTxnLogs        int
	IDIndexBuckets    int
	IDIndexCapacity   int
	RecoveryBatchSize int

	Logger   *slog.Logger
	Observer Observer
}

// DefaultConfig returns the default capacities.
func DefaultConfig() Config {
	return Config{
		LocatorCapacity:   locator.DefaultCapacity,
		MaxSessions:       safets.DefaultCapacity,
		MaxTxnLogs:        txnlog.DefaultRegistryCapacity,
		IDIndexBuckets:    idindex.DefaultBuckets,
		IDIndexCapacity:   idindex.DefaultCapacity,
		RecoveryBatchSize: DefaultRecoveryBatchSize,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.LocatorCapacity <= 0:
		return fmt.Errorf("engine: locator capacity must be positive, got %d", c.LocatorCapacity)
	case c.MaxSessions <= 0:
		return fmt.Errorf("engine: max sessions must be positive, got %d", c.MaxSessions)
	case c.MaxTxnLogs <= 0:
		return fmt.Errorf("engine: max txn logs must be positive, got %d", c.MaxTxnLogs)
	case c.IDIndexBuckets <= 0 || c.IDIndexCapacity <= 0:
		return fmt.Errorf("engine: id index buckets and capacity must be positive, got %d and %d",
			c.IDIndexBuckets, c.IDIndexCapacity)
	case c.RecoveryBatchSize <= 0:
		return fmt.Errorf("engine: recovery batch size must be positive, got %d", c.RecoveryBatchSize)
	}
	return nil
}
