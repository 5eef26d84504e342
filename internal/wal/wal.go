package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/mvccdb/internal/fs"
)

// Durability controls when an append is acknowledged.
type Durability int

const (
	// DurabilityAsync acknowledges once the record is in the OS page cache.
	DurabilityAsync Durability = iota
	// DurabilitySync acknowledges once the record is fsynced.
	DurabilitySync
)

func (d Durability) String() string {
	if d == DurabilitySync {
		return "sync"
	}
	return "async"
}

const (
	walMagic      = "MVCCDBWL"
	walVersion    = 1
	walHeaderSize = 12

	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	// DefaultSegmentSize is the size after which a new segment is started.
	DefaultSegmentSize = 64 << 20
)

var (
	ErrClosed              = errors.New("wal: closed")
	ErrInvalidHeader       = errors.New("wal: invalid segment header")
	ErrIncompatibleVersion = errors.New("wal: incompatible segment version")
)

// IOLimiter throttles log writes.
type IOLimiter interface {
	AcquireIO(ctx context.Context, n int) error
}

// Options configures a WAL.
type Options struct {
	Durability  Durability
	SegmentSize int64
	IO          IOLimiter
}

// DefaultOptions returns synchronous durability with DefaultSegmentSize segments.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync, SegmentSize: DefaultSegmentSize}
}

// WAL appends records to the newest segment of a log directory.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	dir  string
	opts Options

	file     fs.File
	bw       *bufio.Writer
	seq      uint64
	segBytes int64
	segments []uint64

	// Positions are logical byte counts across all segments of this process.
	pos     int64
	synced  int64
	syncing bool

	syncCond *sync.Cond
	doneCond *sync.Cond
	closed   bool
	lastErr  error
	wg       sync.WaitGroup
}

// SegmentName returns the file name of segment seq.
func SegmentName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, seq, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	return seq, err == nil
}

// ListSegments returns the sequence numbers of the segments in dir, ascending.
func ListSegments(fsys fs.FileSystem, dir string) ([]uint64, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		if seq, ok := parseSegmentName(e.Name()); ok && !e.IsDir() {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	return seqs, nil
}

// Open opens the log in dir and starts a new segment after the existing ones.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	segments, err := ListSegments(fsys, dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		fs:       fsys,
		dir:      dir,
		opts:     opts,
		segments: segments,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	next := uint64(1)
	if len(segments) > 0 {
		next = segments[len(segments)-1] + 1
	}
	if err := w.openSegmentLocked(next); err != nil {
		return nil, err
	}

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

func (w *WAL) openSegmentLocked(seq uint64) error {
	path := filepath.Join(w.dir, SegmentName(seq))
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	w.file = f
	w.bw = bufio.NewWriter(f)
	w.seq = seq
	w.segBytes = walHeaderSize
	w.pos += walHeaderSize
	w.synced = w.pos
	w.segments = append(w.segments, seq)
	return nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.pos <= w.synced && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.pos <= w.synced {
			return
		}

		target, f := w.pos, w.file
		w.syncing = true
		w.mu.Unlock()
		err := f.Sync()
		w.mu.Lock()
		w.syncing = false

		if err != nil {
			w.lastErr = fmt.Errorf("wal: sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.synced {
			w.synced = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes rec and, with DurabilitySync, waits until it is on stable storage.
func (w *WAL) Append(ctx context.Context, rec *Record) error {
	pos, err := w.AppendAsync(ctx, rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(pos)
	}
	return nil
}

// Position locates an appended record.
type Position struct {
	Segment uint64 // segment the record was written to
	End     int64  // logical byte position just past the record
}

// AppendAsync writes rec to the current segment without waiting for a sync.
func (w *WAL) AppendAsync(ctx context.Context, rec *Record) (Position, error) {
	if len(rec.Payload) > MaxPayloadSize {
		return Position{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(rec.Payload))
	}
	buf := rec.AppendTo(make([]byte, 0, rec.Size()))
	if w.opts.IO != nil {
		if err := w.opts.IO.AcquireIO(ctx, len(buf)); err != nil {
			return Position{}, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Position{}, ErrClosed
	}
	if w.lastErr != nil {
		return Position{}, w.lastErr
	}

	for w.opts.SegmentSize > 0 && w.segBytes > walHeaderSize && w.segBytes+int64(len(buf)) > w.opts.SegmentSize {
		if err := w.rotateLocked(w.seq); err != nil {
			return Position{}, err
		}
	}

	if _, err := w.bw.Write(buf); err != nil {
		return Position{}, err
	}
	if err := w.bw.Flush(); err != nil {
		return Position{}, err
	}
	w.pos += int64(len(buf))
	w.segBytes += int64(len(buf))

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return Position{Segment: w.seq, End: w.pos}, nil
}

// WaitFor blocks until the log is synced up to pos. With DurabilityAsync it
// returns immediately.
func (w *WAL) WaitFor(pos Position) error {
	if w.opts.Durability == DurabilityAsync {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.synced < pos.End && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.synced < pos.End {
		return ErrClosed
	}
	return nil
}

// Sync flushes and fsyncs everything appended so far.
func (w *WAL) Sync() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.lastErr != nil {
		w.mu.Unlock()
		return w.lastErr
	}
	if w.opts.Durability == DurabilityAsync {
		defer w.mu.Unlock()
		if err := w.bw.Flush(); err != nil {
			return err
		}
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.synced = w.pos
		return nil
	}
	target := w.pos
	w.syncCond.Signal()
	w.mu.Unlock()
	return w.WaitFor(Position{End: target})
}

// rotateLocked seals segment seq and starts the next one. It is a no-op if seq
// is no longer the current segment.
func (w *WAL) rotateLocked(seq uint64) error {
	for w.syncing {
		w.doneCond.Wait()
	}
	if w.closed {
		return ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.seq != seq {
		return nil
	}

	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.lastErr = fmt.Errorf("wal: sync failed: %w", err)
		w.doneCond.Broadcast()
		return w.lastErr
	}
	w.synced = w.pos
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := w.openSegmentLocked(seq + 1); err != nil {
		w.lastErr = fmt.Errorf("wal: open segment %d: %w", seq+1, err)
		w.doneCond.Broadcast()
		return w.lastErr
	}
	w.doneCond.Broadcast()
	return nil
}

// Rotate seals the current segment and returns the sequence number of the new one.
// Every record appended before Rotate returns lives in a segment below that number.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(w.seq); err != nil {
		return 0, err
	}
	return w.seq, nil
}

// Dir returns the log directory.
func (w *WAL) Dir() string { return w.dir }

// Segments returns the sequence numbers of all segments on disk, ascending.
func (w *WAL) Segments() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.segments)
}

// RemoveBefore deletes the sealed segments numbered below seq and returns how many
// were removed. The current segment is never removed.
func (w *WAL) RemoveBefore(seq uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	kept := w.segments[:0]
	var errs []error
	for _, s := range w.segments {
		if s >= seq || s == w.seq {
			kept = append(kept, s)
			continue
		}
		if err := w.fs.Remove(filepath.Join(w.dir, SegmentName(s))); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			kept = append(kept, s)
			continue
		}
		removed++
	}
	w.segments = kept
	return removed, errors.Join(errs...)
}

// Size returns the number of bytes written by this process.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// Close flushes, syncs, and closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	flushErr := w.bw.Flush()
	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	var syncErr error
	if flushErr == nil {
		syncErr = w.file.Sync()
	}
	return errors.Join(flushErr, syncErr, w.file.Close())
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Segments int
	Records  int
	// Torn counts segments whose tail held an incomplete or corrupt frame.
	Torn int
}

// Replay calls fn for every intact record in dir, in append order.
func Replay(fsys fs.FileSystem, dir string, fn func(seq uint64, rec *Record) error) (ReplayStats, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	var stats ReplayStats
	segments, err := ListSegments(fsys, dir)
	if err != nil {
		return stats, err
	}
	for _, seq := range segments {
		torn, err := replaySegment(fsys, filepath.Join(dir, SegmentName(seq)), seq, fn, &stats)
		if err != nil {
			return stats, fmt.Errorf("wal: segment %d: %w", seq, err)
		}
		stats.Segments++
		if torn {
			stats.Torn++
		}
	}
	return stats, nil
}

func replaySegment(fsys fs.FileSystem, path string, seq uint64, fn func(uint64, *Record) error, stats *ReplayStats) (bool, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		// A crash between creating and initializing a segment leaves it short.
		return true, nil
	}
	if string(header[0:8]) != walMagic {
		return false, fmt.Errorf("%w: magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return false, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}

	for {
		rec, _, err := Decode(r)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return false, nil
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, ErrChecksum), errors.Is(err, ErrRecordTooLarge):
			return true, nil
		default:
			return false, err
		}
		stats.Records++
		if err := fn(seq, rec); err != nil {
			return false, err
		}
	}
}
