package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/heap"
	"github.com/hupe1980/mvccdb/internal/persist"
	"github.com/hupe1980/mvccdb/internal/safets"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(heap.WithChunkSize(1 << 16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newEngine(t *testing.T, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LocatorCapacity = 1 << 12
	cfg.IDIndexBuckets = 1 << 8
	cfg.IDIndexCapacity = 1 << 12
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg, newHeap(t), nil)
	require.NoError(t, err)
	return e
}

func connect(t *testing.T, e *Engine) *Session {
	t.Helper()
	s, err := e.Connect()
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.State() != StateDisconnected {
			_ = s.Close()
		}
	})
	return s
}

func begin(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Begin(t.Context()))
}

func commit(t *testing.T, s *Session) Outcome {
	t.Helper()
	outcome, err := s.Commit(t.Context())
	require.NoError(t, err)
	return outcome
}

func read(t *testing.T, s *Session, id core.ID) string {
	t.Helper()
	obj, err := s.Read(id)
	require.NoError(t, err)
	return string(obj.Payload)
}

func TestCreateThenReadInLaterTransaction(t *testing.T) {
	e := newEngine(t)
	a := connect(t, e)
	begin(t, a)
	require.NoError(t, a.Create(42, 1, []byte("0123456789")))
	assert.Equal(t, "0123456789", read(t, a, 42))
	assert.Equal(t, Committed, commit(t, a))

	b := connect(t, e)
	begin(t, b)
	obj, err := b.Read(42)
	require.NoError(t, err)
	assert.Equal(t, core.ID(42), obj.ID)
	assert.Equal(t, core.TypeID(1), obj.Type)
	assert.Equal(t, "0123456789", string(obj.Payload))
	require.NoError(t, b.Rollback())
}

func TestWriteWriteConflictAborts(t *testing.T) {
	e := newEngine(t)
	setup := connect(t, e)
	begin(t, setup)
	require.NoError(t, setup.Create(1, 1, []byte("v0")))
	require.Equal(t, Committed, commit(t, setup))

	a, b := connect(t, e), connect(t, e)
	begin(t, a)
	begin(t, b)
	require.NoError(t, a.Update(1, []byte("a")))
	require.NoError(t, b.Update(1, []byte("b")))
	assert.Equal(t, Committed, commit(t, a))
	assert.Equal(t, Aborted, commit(t, b))

	begin(t, setup)
	assert.Equal(t, "a", read(t, setup, 1))
	require.NoError(t, setup.Rollback())
}

func TestDisjointWritesBothCommit(t *testing.T) {
	e := newEngine(t)
	a, b := connect(t, e), connect(t, e)
	begin(t, a)
	begin(t, b)
	require.NoError(t, a.Create(1, 1, []byte("a")))
	require.NoError(t, b.Create(2, 1, []byte("b")))
	assert.Equal(t, Committed, commit(t, b))
	assert.Equal(t, Committed, commit(t, a))
}

func TestSequentialUpdatesAreReclaimed(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(1, 1, make([]byte, 64)))
	require.Equal(t, Committed, commit(t, s))

	var highWater int64
	for i := range 1000 {
		begin(t, s)
		payload := binary.LittleEndian.AppendUint64(make([]byte, 56), uint64(i))
		require.NoError(t, s.Update(1, payload))
		require.Equal(t, Committed, commit(t, s))
		if i == 10 {
			highWater = e.Stats().Heap.HighWater
		}
	}

	stats := e.Stats()
	marks := stats.Watermarks
	assert.True(t, marks.Ordered())
	assert.LessOrEqual(t, marks.PreApply-marks.PostGC, core.Timestamp(1))
	assert.Equal(t, highWater, stats.Heap.HighWater)
	assert.Zero(t, stats.LogsInUse)

	begin(t, s)
	obj, err := s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), binary.LittleEndian.Uint64(obj.Payload[56:]))
	require.NoError(t, s.Rollback())
}

func TestSnapshotIsolation(t *testing.T) {
	e := newEngine(t)
	w := connect(t, e)
	begin(t, w)
	require.NoError(t, w.Create(1, 1, []byte("old")))
	require.Equal(t, Committed, commit(t, w))

	reader := connect(t, e)
	begin(t, reader)

	begin(t, w)
	require.NoError(t, w.Update(1, []byte("new")))
	require.NoError(t, w.Create(2, 1, []byte("created later")))
	require.Equal(t, Committed, commit(t, w))

	assert.Equal(t, "old", read(t, reader, 1))
	_, err := reader.Read(2)
	assert.ErrorIs(t, err, ErrNotFound)

	// The reader's own writes shadow its snapshot.
	require.NoError(t, reader.Update(1, []byte("mine")))
	assert.Equal(t, "mine", read(t, reader, 1))
	assert.Equal(t, Aborted, commit(t, reader))

	late := connect(t, e)
	begin(t, late)
	assert.Equal(t, "new", read(t, late, 1))
	assert.Equal(t, "created later", read(t, late, 2))
	require.NoError(t, late.Rollback())
}

func TestLongReaderKeepsItsVersions(t *testing.T) {
	e := newEngine(t)
	w := connect(t, e)
	begin(t, w)
	for id := core.ID(1); id <= 8; id++ {
		require.NoError(t, w.Create(id, 1, fmt.Appendf(nil, "v0-%d", id)))
	}
	require.Equal(t, Committed, commit(t, w))

	reader := connect(t, e)
	begin(t, reader)
	readerTS := reader.BeginTS()

	for round := 1; round <= 50; round++ {
		begin(t, w)
		for id := core.ID(1); id <= 8; id++ {
			require.NoError(t, w.Update(id, fmt.Appendf(nil, "v%d-%d", round, id)))
		}
		require.Equal(t, Committed, commit(t, w))
	}

	marks := e.Stats().Watermarks
	assert.Less(t, marks.PreApply, readerTS, "apply must stop at an active transaction")
	for id := core.ID(1); id <= 8; id++ {
		assert.Equal(t, fmt.Sprintf("v0-%d", id), read(t, reader, id))
	}
	require.NoError(t, reader.Rollback())

	_, err := e.Maintain()
	require.NoError(t, err)
	marks = e.Stats().Watermarks
	assert.Greater(t, marks.PostGC, readerTS)
	assert.Zero(t, e.Stats().LogsInUse)
}

func TestConcurrentIncrementsLoseNothing(t *testing.T) {
	e := newEngine(t)
	setup := connect(t, e)
	begin(t, setup)
	require.NoError(t, setup.Create(1, 1, binary.LittleEndian.AppendUint64(nil, 0)))
	require.Equal(t, Committed, commit(t, setup))
	require.NoError(t, setup.Close())

	const workers, increments = 8, 50
	var aborted atomic.Int64
	var stop atomic.Bool
	var violations atomic.Int64

	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		for !stop.Load() {
			if !e.Stats().Watermarks.Ordered() {
				violations.Add(1)
			}
		}
	}()

	g, ctx := errgroup.WithContext(t.Context())
	for range workers {
		g.Go(func() error {
			s, err := e.Connect()
			if err != nil {
				return err
			}
			defer s.Close()
			for done := 0; done < increments; {
				if err := s.Begin(ctx); err != nil {
					return err
				}
				obj, err := s.Read(1)
				if err != nil {
					return err
				}
				n := binary.LittleEndian.Uint64(obj.Payload)
				if err := s.Update(1, binary.LittleEndian.AppendUint64(nil, n+1)); err != nil {
					return err
				}
				outcome, err := s.Commit(ctx)
				if err != nil {
					return err
				}
				if outcome == Aborted {
					aborted.Add(1)
					continue
				}
				done++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	stop.Store(true)
	monitor.Wait()

	check := connect(t, e)
	begin(t, check)
	obj, err := check.Read(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*increments), binary.LittleEndian.Uint64(obj.Payload))
	require.NoError(t, check.Rollback())

	assert.Zero(t, violations.Load())
	t.Logf("aborted attempts: %d", aborted.Load())
}

func TestDuplicateAndBurnedIDs(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(1, 1, nil))
	assert.ErrorIs(t, s.Create(1, 1, nil), ErrDuplicateID)
	assert.ErrorIs(t, s.Create(core.InvalidID, 1, nil), ErrInvalidID)
	require.NoError(t, s.Create(2, 1, nil))
	require.NoError(t, s.Rollback())

	// Rolled back ids stay claimed.
	begin(t, s)
	assert.ErrorIs(t, s.Create(2, 1, nil), ErrDuplicateID)
	require.NoError(t, s.Create(3, 1, []byte("x")))
	require.Equal(t, Committed, commit(t, s))

	begin(t, s)
	require.NoError(t, s.Remove(3))
	_, err := s.Read(3)
	assert.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, Committed, commit(t, s))

	begin(t, s)
	_, err = s.Read(3)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Create(3, 1, nil), ErrDuplicateID)
	require.NoError(t, s.Rollback())
	// 1 and 2 stay claimed, 3 is gone but keeps its node.
	assert.Equal(t, 2, e.Stats().IDs)
	assert.Equal(t, 3, e.Stats().IDNodes)
}

func TestGenerateIDSkipsUsedIDs(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(100, 1, nil))
	id := e.GenerateID()
	assert.Equal(t, core.ID(101), id)
	require.NoError(t, s.Create(id, 1, nil))
	require.Equal(t, Committed, commit(t, s))
}

func TestScanType(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	for id := core.ID(1); id <= 6; id++ {
		require.NoError(t, s.Create(id, core.TypeID(id%2), nil))
	}
	require.Equal(t, Committed, commit(t, s))

	begin(t, s)
	require.NoError(t, s.Create(7, 1, nil))
	require.NoError(t, s.Remove(3))
	require.NoError(t, s.Clone(5, 8))

	assert.Equal(t, []core.ID{1, 5, 7, 8}, slices.Collect(s.ScanType(1)))
	assert.Equal(t, []core.ID{2, 4, 6}, slices.Collect(s.ScanType(0)))
	assert.Empty(t, slices.Collect(s.ScanType(9)))

	// Scans are restartable and stop early.
	for id := range s.ScanType(1) {
		assert.Equal(t, core.ID(1), id)
		break
	}
	require.Equal(t, Committed, commit(t, s))
	assert.Empty(t, slices.Collect(s.ScanType(1)), "no scan outside a transaction")

	begin(t, s)
	assert.Equal(t, []core.ID{1, 5, 7, 8}, slices.Collect(s.ScanType(1)))
	require.NoError(t, s.Rollback())
}

func TestCloneCopiesPayloadAndType(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(1, 4, []byte("source")))
	require.Equal(t, Committed, commit(t, s))

	begin(t, s)
	require.NoError(t, s.Clone(1, 2))
	require.NoError(t, s.Update(1, []byte("changed")))
	assert.ErrorIs(t, s.Clone(99, 3), ErrNotFound)
	require.Equal(t, Committed, commit(t, s))

	begin(t, s)
	obj, err := s.Read(2)
	require.NoError(t, err)
	assert.Equal(t, core.TypeID(4), obj.Type)
	assert.Equal(t, "source", string(obj.Payload))
	assert.Equal(t, "changed", read(t, s, 1))
	require.NoError(t, s.Rollback())
}

func TestRollbackFreesVersions(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(1, 1, []byte("keep")))
	require.Equal(t, Committed, commit(t, s))
	live := e.Stats().Heap.BytesLive

	begin(t, s)
	require.NoError(t, s.Update(1, make([]byte, 512)))
	require.NoError(t, s.Create(2, 1, make([]byte, 512)))
	assert.Greater(t, e.Stats().Heap.BytesLive, live)
	require.NoError(t, s.Rollback())
	assert.Equal(t, live, e.Stats().Heap.BytesLive)

	// An aborted transaction's versions are reclaimed by gc instead.
	a, b := connect(t, e), connect(t, e)
	begin(t, a)
	begin(t, b)
	require.NoError(t, a.Update(1, []byte("a")))
	require.NoError(t, b.Update(1, make([]byte, 512)))
	require.Equal(t, Committed, commit(t, a))
	require.Equal(t, Aborted, commit(t, b))
	_, err := e.Maintain()
	require.NoError(t, err)
	assert.Less(t, e.Stats().Heap.BytesLive, live+512)
}

func TestEmptyCommit(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)
	begin(t, s)
	assert.Equal(t, Committed, commit(t, s))
	assert.Equal(t, StateConnected, s.State())
	assert.Zero(t, e.Stats().LogsInUse)
}

func TestSessionStateMachine(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)

	_, err := s.Commit(t.Context())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, s.Rollback(), ErrInvalidState)
	assert.ErrorIs(t, s.Create(1, 1, nil), ErrInvalidState)

	begin(t, s)
	assert.Equal(t, StateInTxn, s.State())
	assert.ErrorIs(t, s.Begin(t.Context()), ErrInvalidState)
	require.NoError(t, s.Create(1, 1, nil))

	// Closing an open transaction rolls it back.
	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.ErrorIs(t, s.Begin(t.Context()), ErrClosed)
	assert.Zero(t, e.Stats().Sessions)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	other := connect(t, e)
	assert.ErrorIs(t, other.Begin(ctx), context.Canceled)
}

func TestSessionLimit(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.MaxSessions = 2 })
	a, b := connect(t, e), connect(t, e)
	_, err := e.Connect()
	assert.ErrorIs(t, err, safets.ErrIndexesExhausted)

	require.NoError(t, a.Close())
	c := connect(t, e)

	// Maintenance has its own index.
	_, err = e.Maintain()
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
	require.NoError(t, e.Close())
	_, err = e.Connect()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMaintainWithEverySessionSlotTaken(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.MaxSessions = 1 })
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(1, 1, []byte("v0")))
	require.Equal(t, Committed, commit(t, s))
	begin(t, s)
	require.NoError(t, s.Update(1, []byte("v1")))
	require.Equal(t, Committed, commit(t, s))

	_, err := e.Connect()
	require.ErrorIs(t, err, safets.ErrIndexesExhausted)
	_, err = e.Maintain()
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stats().Sessions)

	begin(t, s)
	assert.Equal(t, "v1", read(t, s, 1))
	require.NoError(t, s.Rollback())
}

func TestCloseWithOpenSessions(t *testing.T) {
	e := newEngine(t)
	s := connect(t, e)

	assert.ErrorIs(t, e.Close(), ErrInvalidState)

	// The engine stays usable after the refused close.
	begin(t, s)
	require.NoError(t, s.Create(1, 1, []byte("x")))
	require.Equal(t, Committed, commit(t, s))
	other := connect(t, e)
	require.NoError(t, other.Close())

	require.NoError(t, s.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrClosed)
	_, err := e.Connect()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Maintain()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, e.Stats().Sessions)
}

func TestMetadataPagesAreReleased(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates more than one metadata page")
	}
	e := newEngine(t)
	s := connect(t, e)
	for range 70_000 {
		begin(t, s)
		require.NoError(t, s.Rollback())
	}
	stats := e.Stats()
	assert.Positive(t, stats.ReleasedPages)
	assert.True(t, stats.Watermarks.Ordered())
	assert.Positive(t, stats.Watermarks.PreTruncate)
}

type recordingObserver struct {
	mu          sync.Mutex
	begins      int
	outcomes    []Outcome
	rollbacks   int
	maintenance MaintenanceStats
}

func (o *recordingObserver) RecordBegin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.begins++
}

func (o *recordingObserver) RecordCommit(_ time.Duration, outcome Outcome, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) RecordRollback() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rollbacks++
}

func (o *recordingObserver) RecordMaintenance(stats MaintenanceStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maintenance.Applied += stats.Applied
	o.maintenance.Collected += stats.Collected
	o.maintenance.Freed += stats.Freed
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	e := newEngine(t, func(c *Config) { c.Observer = obs })
	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(1, 1, []byte("a")))
	require.Equal(t, Committed, commit(t, s))
	begin(t, s)
	require.NoError(t, s.Update(1, []byte("b")))
	require.Equal(t, Committed, commit(t, s))
	begin(t, s)
	require.NoError(t, s.Rollback())

	assert.Equal(t, 3, obs.begins)
	assert.Equal(t, []Outcome{Committed, Committed}, obs.outcomes)
	assert.Equal(t, 1, obs.rollbacks)
	assert.Equal(t, 2, obs.maintenance.Applied)
	assert.Equal(t, 2, obs.maintenance.Collected)
	assert.Equal(t, 1, obs.maintenance.Freed)
}

// fakePersistence records calls and fails commit markers on demand.
type fakePersistence struct {
	mu          sync.Mutex
	commitErr   error
	rollbackErr error
	prepared    []core.Timestamp
	markers     []core.Timestamp
}

func (f *fakePersistence) Prepare(_ context.Context, beginTS core.Timestamp, _ []persist.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, beginTS)
	return nil
}

func (f *fakePersistence) Commit(_ context.Context, beginTS, _ core.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.markers = append(f.markers, beginTS)
	return nil
}

func (f *fakePersistence) Rollback(_ context.Context, beginTS core.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.markers = append(f.markers, beginTS)
	return nil
}

func (f *fakePersistence) Recover(context.Context, func(persist.Object) error) (persist.RecoveryInfo, error) {
	return persist.RecoveryInfo{MaxID: 10}, nil
}

func (f *fakePersistence) Checkpoint(context.Context, func(func(persist.Snapshot) error) error) (persist.CheckpointInfo, error) {
	return persist.CheckpointInfo{}, errors.New("not supported")
}

func TestCommitMarkerFailureKeepsDecision(t *testing.T) {
	fake := &fakePersistence{}
	e, err := New(DefaultConfig(), newHeap(t), fake)
	require.NoError(t, err)

	_, err = e.Connect()
	assert.ErrorIs(t, err, ErrInvalidState, "recovery must run first")
	info, err := e.Recover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, core.ID(10), info.MaxID)
	assert.Equal(t, core.ID(11), e.GenerateID())
	_, err = e.Recover(t.Context())
	assert.ErrorIs(t, err, ErrInvalidState)

	s := connect(t, e)
	begin(t, s)
	require.NoError(t, s.Create(20, 1, []byte("a")))
	require.Equal(t, Committed, commit(t, s))

	boom := errors.New("disk gone")
	fake.mu.Lock()
	fake.commitErr = boom
	fake.mu.Unlock()

	begin(t, s)
	require.NoError(t, s.Update(20, []byte("b")))
	outcome, err := s.Commit(t.Context())
	assert.Equal(t, Committed, outcome)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, boom)

	// The decision stands and the pipeline does not stall behind it.
	marks := e.Stats().Watermarks
	assert.Equal(t, marks.PreApply, marks.PostGC)
	begin(t, s)
	assert.Equal(t, "b", read(t, s, 20))
	require.NoError(t, s.Rollback())
	assert.Len(t, fake.prepared, 2)
}

func TestRollbackMarkerFailureKeepsConflict(t *testing.T) {
	fake := &fakePersistence{}
	e, err := New(DefaultConfig(), newHeap(t), fake)
	require.NoError(t, err)
	_, err = e.Recover(t.Context())
	require.NoError(t, err)

	setup := connect(t, e)
	begin(t, setup)
	require.NoError(t, setup.Create(20, 1, []byte("v0")))
	require.Equal(t, Committed, commit(t, setup))

	boom := errors.New("disk gone")
	fake.mu.Lock()
	fake.rollbackErr = boom
	fake.mu.Unlock()

	a, b := connect(t, e), connect(t, e)
	begin(t, a)
	begin(t, b)
	require.NoError(t, a.Update(20, []byte("a")))
	require.NoError(t, b.Update(20, []byte("b")))
	require.Equal(t, Committed, commit(t, a))

	outcome, err := b.Commit(t.Context())
	assert.Equal(t, Aborted, outcome)
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, boom)

	// A commit marker failure is not a conflict.
	fake.mu.Lock()
	fake.commitErr = boom
	fake.mu.Unlock()
	begin(t, a)
	require.NoError(t, a.Update(20, []byte("c")))
	outcome, err = a.Commit(t.Context())
	assert.Equal(t, Committed, outcome)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestValidateAnswersFromMetadataOnceLogIsGone(t *testing.T) {
	e := newEngine(t)
	setup := connect(t, e)
	begin(t, setup)
	require.NoError(t, setup.Create(1, 1, []byte("v0")))
	require.Equal(t, Committed, commit(t, setup))

	// An open reader holds apply back, so the logs below stay registered.
	reader := connect(t, e)
	begin(t, reader)

	a, b := connect(t, e), connect(t, e)
	begin(t, a)
	begin(t, b)
	require.NoError(t, a.Update(1, []byte("a")))
	require.NoError(t, b.Update(1, []byte("b")))
	require.Equal(t, Committed, commit(t, a))
	aTS := e.txns.LastAllocated()
	require.Equal(t, Aborted, commit(t, b))
	bTS := e.txns.LastAllocated()

	_, ok := e.loadLog(aTS)
	require.True(t, ok)
	self, ok := e.loadLog(bTS)
	require.True(t, ok)
	conflict, ok := e.logsConflict(self, aTS)
	require.True(t, ok)
	assert.True(t, conflict)

	require.True(t, e.txns.InvalidateLogHandle(bTS))
	_, ok = e.loadLog(bTS)
	assert.False(t, ok)
	assert.False(t, e.validate(bTS))
	_, ok = e.logsConflict(self, bTS)
	assert.False(t, ok)
	assert.True(t, e.validate(aTS))

	require.NoError(t, reader.Rollback())
	begin(t, reader)
	assert.Equal(t, "a", read(t, reader, 1))
	require.NoError(t, reader.Rollback())
}

func TestPersistentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	open := func() (*Engine, *persist.Persistence) {
		p, err := persist.Open(persist.DefaultConfig(dir))
		require.NoError(t, err)
		cfg := DefaultConfig()
		cfg.RecoveryBatchSize = 3
		e, err := New(cfg, newHeap(t), p)
		require.NoError(t, err)
		_, err = e.Recover(ctx)
		require.NoError(t, err)
		return e, p
	}

	e, p := open()
	s := connect(t, e)
	begin(t, s)
	for id := core.ID(1); id <= 10; id++ {
		require.NoError(t, s.Create(id, core.TypeID(id%3), fmt.Appendf(nil, "object-%d", id)))
	}
	require.Equal(t, Committed, commit(t, s))

	_, err := e.Checkpoint(ctx)
	require.NoError(t, err)

	begin(t, s)
	require.NoError(t, s.Update(1, []byte("updated")))
	require.NoError(t, s.Remove(2))
	require.NoError(t, s.Clone(3, 50))
	require.Equal(t, Committed, commit(t, s))

	begin(t, s)
	require.NoError(t, s.Update(4, []byte("rolled back")))
	require.NoError(t, s.Rollback())
	require.NoError(t, s.Close())
	require.NoError(t, p.Close())

	e, p = open()
	defer p.Close()
	s = connect(t, e)
	begin(t, s)
	assert.Equal(t, "updated", read(t, s, 1))
	_, err = s.Read(2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "object-3", read(t, s, 50))
	assert.Equal(t, "object-4", read(t, s, 4))
	assert.Equal(t, []core.ID{3, 6, 9, 50}, slices.Collect(s.ScanType(0)))
	assert.Greater(t, e.GenerateID(), core.ID(50))
	require.NoError(t, s.Rollback())
}
