package mvccdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/engine"
	"github.com/hupe1980/mvccdb/internal/heap"
	"github.com/hupe1980/mvccdb/internal/persist"
	"github.com/hupe1980/mvccdb/internal/resource"
)

// ID is the stable identifier of an object.
type ID = core.ID

// TypeID classifies objects. Sessions can scan all visible objects of one type.
type TypeID = core.TypeID

// Timestamp is a value of the global transaction clock.
type Timestamp = core.Timestamp

// Object is one object version. Payload is owned by the caller.
type Object struct {
	ID      ID
	Type    TypeID
	Payload []byte
}

// DB is an in-process transactional object store.
//
// A DB is safe for concurrent use; each goroutine works through its own Session.
type DB struct {
	opts    options
	logger  *Logger
	metrics MetricsCollector

	ctrl    *resource.Controller
	heap    *heap.Heap
	persist *persist.Persistence // nil without WithPersistence
	engine  *engine.Engine

	sessions atomic.Uint64
	closeMu  sync.Mutex
	closed   atomic.Bool
}

// Open creates a database. With WithPersistence the durable state in the
// directory is recovered before Open returns.
//
// Example:
//
//	db, err := mvccdb.Open(ctx, mvccdb.WithPersistence("./data"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(ctx context.Context, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	db := &DB{
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
		ctrl: resource.NewController(resource.Config{
			MemoryLimitBytes:     o.memoryLimit,
			MaxBackgroundWorkers: o.checkpointers,
			IOLimitBytesPerSec:   o.ioLimit,
		}),
	}

	h, err := heap.New(
		heap.WithChunkSize(o.heapChunkSize),
		heap.WithMaxChunks(o.heapMaxChunks),
		heap.WithMemoryAcquirer(db.ctrl),
	)
	if err != nil {
		return nil, translateError(err)
	}
	db.heap = h

	var p engine.Persistence
	if o.dir != "" {
		cfg := persist.DefaultConfig(o.dir)
		cfg.FS = o.fsys
		cfg.Durability = o.durability
		cfg.Compression = o.compression
		cfg.Store = o.store
		cfg.Controller = db.ctrl
		cfg.Logger = db.logger.WithComponent("persist").Logger
		db.persist, err = persist.Open(cfg)
		if err != nil {
			_ = h.Close()
			return nil, translateError(err)
		}
		p = db.persist
	}

	ecfg := o.engine
	ecfg.Logger = db.logger.WithComponent("engine").Logger
	ecfg.Observer = db.metrics
	db.engine, err = engine.New(ecfg, h, p)
	if err != nil {
		_ = db.closeResources()
		return nil, translateError(err)
	}

	if db.persist != nil {
		info, err := db.engine.Recover(ctx)
		db.logger.LogRecovery(ctx, info, err)
		if err != nil {
			_ = db.closeResources()
			return nil, translateError(err)
		}
	}
	return db, nil
}

// Connect opens a session. Each session holds one of the WithMaxSessions slots
// until it is closed.
func (db *DB) Connect() (*Session, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	s, err := db.engine.Connect()
	if err != nil {
		return nil, translateError(err)
	}
	id := db.sessions.Add(1)
	return &Session{
		db:     db,
		s:      s,
		logger: db.logger.WithSession(id),
	}, nil
}

// GenerateID returns an id no object has used so far, including objects
// recovered from disk.
func (db *DB) GenerateID() ID {
	return db.engine.GenerateID()
}

// Checkpoint writes an image of the current state and drops the log segments it
// covers. Only one checkpoint runs at a time.
func (db *DB) Checkpoint(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	info, err := db.engine.Checkpoint(ctx)
	err = translateError(err)
	db.logger.LogCheckpoint(ctx, info, err)
	db.metrics.RecordCheckpoint(time.Since(start), err)
	return err
}

// Maintain runs one apply, gc and truncate pass. Commits and rollbacks already run
// one each; Maintain catches up after the last of a burst of transactions.
func (db *DB) Maintain() (MaintenanceStats, error) {
	if db.closed.Load() {
		return MaintenanceStats{}, ErrClosed
	}
	stats, err := db.engine.Maintain()
	return stats, translateError(err)
}

// Stats is a point-in-time view of the database.
type Stats struct {
	engine.Stats
	MemoryUsage int64
	MemoryPeak  int64
	Persistent  bool
}

// Stats returns current database statistics.
func (db *DB) Stats() Stats {
	return Stats{
		Stats:       db.engine.Stats(),
		MemoryUsage: db.ctrl.MemoryUsage(),
		MemoryPeak:  db.ctrl.MemoryPeak(),
		Persistent:  db.persist != nil,
	}
}

// Close rejects new sessions, closes the log and frees the heap. Sessions must be
// closed before the database; while any is open Close returns ErrInvalidState
// and the database stays usable.
func (db *DB) Close() error {
	db.closeMu.Lock()
	defer db.closeMu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}
	if err := db.engine.Close(); err != nil {
		return translateError(err)
	}
	db.closed.Store(true)
	return db.closeResources()
}

func (db *DB) closeResources() error {
	var errs []error
	if db.engine != nil {
		if err := db.engine.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if db.persist != nil {
		if err := db.persist.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.heap.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
