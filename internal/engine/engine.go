package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/heap"
	"github.com/hupe1980/mvccdb/internal/idindex"
	"github.com/hupe1980/mvccdb/internal/locator"
	"github.com/hupe1980/mvccdb/internal/persist"
	"github.com/hupe1980/mvccdb/internal/safets"
	"github.com/hupe1980/mvccdb/internal/txnlog"
	"github.com/hupe1980/mvccdb/internal/txnmeta"
	"github.com/hupe1980/mvccdb/internal/typeindex"
	"github.com/hupe1980/mvccdb/internal/watermark"
)

// Persistence logs transaction outcomes. *persist.Persistence implements it.
type Persistence interface {
	Prepare(ctx context.Context, beginTS core.Timestamp, ops []persist.Op) error
	Commit(ctx context.Context, beginTS, commitTS core.Timestamp) error
	Rollback(ctx context.Context, beginTS core.Timestamp) error
	Recover(ctx context.Context, fn func(persist.Object) error) (persist.RecoveryInfo, error)
	Checkpoint(ctx context.Context, view func(write func(persist.Snapshot) error) error) (persist.CheckpointInfo, error)
}

// Engine is the shared state of all sessions.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer

	txns     *txnmeta.Table
	marks    *watermark.Set
	safe     *safets.Registry
	logs     *txnlog.Registry
	locators *locator.Table
	ids      *idindex.Index
	types    *typeindex.Index
	heap     *heap.Heap
	persist  Persistence // nil when persistence is disabled

	maintMu  sync.Mutex
	maintIdx int // safe-ts index reserved for Maintain

	lastID    atomic.Uint64
	sessions  atomic.Int64
	recovered atomic.Bool
	closed    atomic.Bool
}

// New creates an engine over h. p may be nil to disable persistence; otherwise
// Recover must run before the first session connects.
func New(cfg Config, h *heap.Heap, p Persistence) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("engine: nil heap")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	marks := watermark.New()
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		txns:     txnmeta.NewTable(),
		marks:    marks,
		safe:     safets.New(marks, cfg.MaxSessions+1),
		logs:     txnlog.NewRegistry(cfg.MaxTxnLogs),
		locators: locator.NewTable(cfg.LocatorCapacity),
		ids:      idindex.New(cfg.IDIndexBuckets, cfg.IDIndexCapacity),
		types:    typeindex.New(),
		heap:     h,
		persist:  p,
	}
	idx, err := e.safe.ReserveIndex()
	if err != nil {
		return nil, err
	}
	e.maintIdx = idx
	if p == nil {
		e.recovered.Store(true)
	}
	return e, nil
}

// Connect opens a session. Every session holds one safe-timestamp index until
// it is closed.
func (e *Engine) Connect() (*Session, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.recovered.Load() {
		return nil, fmt.Errorf("%w: recovery has not run", ErrInvalidState)
	}
	return e.connect(false)
}

func (e *Engine) connect(recovering bool) (*Session, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	idx, err := e.safe.ReserveIndex()
	if err != nil {
		e.sessions.Add(-1)
		return nil, err
	}
	return &Session{e: e, idx: idx, state: StateConnected, recovering: recovering}, nil
}

// enter counts a user of the heap. Close observes either the count or the
// closed flag set before it, never neither.
func (e *Engine) enter() error {
	e.sessions.Add(1)
	if e.closed.Load() {
		e.sessions.Add(-1)
		return ErrClosed
	}
	return nil
}

// Recover replays the durable state into the engine and seeds the id counter.
// Recovered objects are committed without being logged again.
func (e *Engine) Recover(ctx context.Context) (persist.RecoveryInfo, error) {
	if e.persist == nil {
		return persist.RecoveryInfo{}, ErrPersistenceDisabled
	}
	if e.recovered.Load() {
		return persist.RecoveryInfo{}, fmt.Errorf("%w: already recovered", ErrInvalidState)
	}

	s, err := e.connect(true)
	if err != nil {
		return persist.RecoveryInfo{}, err
	}
	defer s.Close()
	if err := s.Begin(ctx); err != nil {
		return persist.RecoveryInfo{}, err
	}

	batch := 0
	info, err := e.persist.Recover(ctx, func(obj persist.Object) error {
		if err := s.Create(obj.ID, obj.Type, obj.Payload); err != nil {
			return fmt.Errorf("engine: recover object %d: %w", obj.ID, err)
		}
		if batch++; batch < e.cfg.RecoveryBatchSize {
			return nil
		}
		batch = 0
		if _, err := s.Commit(ctx); err != nil {
			return err
		}
		return s.Begin(ctx)
	})
	if err != nil {
		return persist.RecoveryInfo{}, err
	}
	if _, err := s.Commit(ctx); err != nil {
		return persist.RecoveryInfo{}, err
	}

	e.types.Populate(e.locators.Allocated(), e.sharedType)
	e.observeID(info.MaxID)
	e.recovered.Store(true)
	return info, nil
}

// Checkpoint writes an image of a fresh snapshot through the persistence layer.
func (e *Engine) Checkpoint(ctx context.Context) (persist.CheckpointInfo, error) {
	if e.persist == nil {
		return persist.CheckpointInfo{}, ErrPersistenceDisabled
	}
	return e.persist.Checkpoint(ctx, func(write func(persist.Snapshot) error) error {
		s, err := e.Connect()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Begin(ctx); err != nil {
			return err
		}
		defer func() { _ = s.Rollback() }()
		return write(persist.Snapshot{
			TS:      s.beginTS,
			MaxID:   core.ID(e.lastID.Load()),
			Objects: s.objects(),
		})
	})
}

// GenerateID returns an id no object has used so far.
func (e *Engine) GenerateID() core.ID {
	return core.ID(e.lastID.Add(1))
}

func (e *Engine) observeID(id core.ID) {
	for {
		last := e.lastID.Load()
		if uint64(id) <= last || e.lastID.CompareAndSwap(last, uint64(id)) {
			return
		}
	}
}

// typeOf resolves the type of an object version.
func (e *Engine) typeOf(off core.Offset) (core.TypeID, bool) {
	obj, err := e.heap.Read(off)
	if err != nil {
		return 0, false
	}
	return obj.Type, true
}

func (e *Engine) sharedType(loc core.Locator) (core.TypeID, bool) {
	off := e.locators.Get(loc)
	if !off.IsValid() {
		return 0, false
	}
	return e.typeOf(off)
}

// loadLog returns the log of commitTS unless garbage collection has taken it.
// A log whose handle is gone belongs to a transaction that is decided and applied.
func (e *Engine) loadLog(commitTS core.Timestamp) (*txnlog.Log, bool) {
	h := e.txns.Load(commitTS).LogHandle()
	if !h.IsValid() {
		return nil, false
	}
	log := e.logs.Get(h)
	// The handle may have been invalidated and reused since it was read.
	if log == nil || e.txns.Load(commitTS).LogHandle() != h {
		return nil, false
	}
	return log, true
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Watermarks     watermark.Snapshot
	LastTimestamp  core.Timestamp
	Sessions       int
	LogsInUse      int
	Locators       core.Locator
	IDs            int
	IDNodes        int // id index nodes consumed, including removed ids
	Types          int
	ReleasedPages  uint64
	LastAppliedTS  core.Timestamp
	SafeTruncation core.Timestamp
	Heap           heap.Stats
}

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Watermarks:     e.marks.Snapshot(),
		LastTimestamp:  e.txns.LastAllocated(),
		Sessions:       int(e.sessions.Load()),
		LogsInUse:      e.logs.InUse(),
		Locators:       e.locators.Allocated(),
		IDs:            e.ids.Len(),
		IDNodes:        e.ids.Used(),
		Types:          e.types.Types(),
		ReleasedPages:  e.txns.ReleasedPages(),
		LastAppliedTS:  e.locators.LastApplied(),
		SafeTruncation: e.safe.SafeTruncationTS(),
		Heap:           e.heap.Stats(),
	}
}

// Maintain runs one maintenance pass outside of any transaction, under the
// safe-ts index reserved for maintenance rather than a session slot.
func (e *Engine) Maintain() (MaintenanceStats, error) {
	if err := e.enter(); err != nil {
		return MaintenanceStats{}, err
	}
	defer e.sessions.Add(-1)

	e.maintMu.Lock()
	defer e.maintMu.Unlock()
	s := &Session{e: e, idx: e.maintIdx, state: StateConnected}
	s.protectWatermark(watermark.PostGC)
	defer s.unprotect()
	return e.maintain(), nil
}

// Close rejects new sessions. It fails with ErrInvalidState while any session
// is open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if n := e.sessions.Load(); n > 0 {
		e.closed.Store(false)
		return fmt.Errorf("%w: %d sessions still open", ErrInvalidState, n)
	}
	return nil
}
