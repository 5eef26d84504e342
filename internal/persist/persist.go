package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/blobstore"
	"github.com/hupe1980/mvccdb/internal/codec"
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/fs"
	"github.com/hupe1980/mvccdb/internal/resource"
	"github.com/hupe1980/mvccdb/internal/wal"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("persist: closed")
	// ErrNotRecovered is returned when records are written before Recover has run.
	ErrNotRecovered = errors.New("persist: recovery has not run")
	// ErrAlreadyRecovered is returned when Recover is called twice.
	ErrAlreadyRecovered = errors.New("persist: already recovered")
)

const (
	walDirName        = "wal"
	checkpointDirName = "checkpoints"

	// DefaultShardSize is the uncompressed size after which a checkpoint shard is cut.
	DefaultShardSize = 1 << 20
)

// Config configures persistence.
type Config struct {
	// Dir holds the write-ahead log and, without Store, the checkpoints.
	Dir string
	// FS defaults to the local file system.
	FS fs.FileSystem
	// Durability selects whether commit markers wait for fsync.
	Durability wal.Durability
	// SegmentSize is the WAL segment size. Zero selects wal.DefaultSegmentSize.
	SegmentSize int64
	// Compression applies to prepare payloads.
	Compression codec.Compression
	// Store receives checkpoint images. Nil selects a local store under Dir.
	Store blobstore.Store
	// Controller throttles IO and bounds checkpoint compression workers. May be nil.
	Controller *resource.Controller
	// ShardSize is the uncompressed checkpoint shard size. Zero selects DefaultShardSize.
	ShardSize int
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// DefaultConfig returns synchronous durability with lz4-compressed prepares.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		Durability:  wal.DurabilitySync,
		SegmentSize: wal.DefaultSegmentSize,
		Compression: codec.LZ4,
		ShardSize:   DefaultShardSize,
	}
}

type pendingTxn struct {
	segment  uint64
	commitTS core.Timestamp // zero until the commit marker is on disk
}

// Persistence is the durable side of the transaction coordinator.
// Its methods are safe for concurrent use.
type Persistence struct {
	cfg    Config
	logger *slog.Logger
	wal    *wal.WAL
	store  blobstore.Store

	base      uint64 // written once by Recover, before recovered is set
	recovered atomic.Bool
	closed    atomic.Bool

	// gate orders prepare bookkeeping against checkpoint segment pruning: a prepare
	// holds it shared from append until its pending entry is visible.
	gate    sync.RWMutex
	mu      sync.Mutex
	pending map[core.Timestamp]pendingTxn

	checkpointMu sync.Mutex
}

// Open opens the log in cfg.Dir. Recover must run before any record is written.
func Open(cfg Config) (*Persistence, error) {
	if cfg.Dir == "" {
		return nil, errors.New("persist: empty directory")
	}
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = wal.DefaultSegmentSize
	}
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = DefaultShardSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store := cfg.Store
	if store == nil {
		local, err := blobstore.NewLocalStoreFS(cfg.FS, filepath.Join(cfg.Dir, checkpointDirName))
		if err != nil {
			return nil, fmt.Errorf("persist: checkpoint store: %w", err)
		}
		store = local
	}

	var io wal.IOLimiter
	if cfg.Controller != nil {
		io = cfg.Controller
	}
	w, err := wal.Open(cfg.FS, filepath.Join(cfg.Dir, walDirName), wal.Options{
		Durability:  cfg.Durability,
		SegmentSize: cfg.SegmentSize,
		IO:          io,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: open wal: %w", err)
	}

	return &Persistence{
		cfg:     cfg,
		logger:  logger,
		wal:     w,
		store:   store,
		pending: make(map[core.Timestamp]pendingTxn),
	}, nil
}

func (p *Persistence) persisted(ts core.Timestamp) uint64 {
	return p.base + uint64(ts)
}

func (p *Persistence) ready() error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.recovered.Load() {
		return ErrNotRecovered
	}
	return nil
}

// Prepare logs the redo operations of the transaction that began at beginTS.
// The record is not synced; the commit marker that follows it is.
func (p *Persistence) Prepare(ctx context.Context, beginTS core.Timestamp, ops []Op) error {
	if err := p.ready(); err != nil {
		return err
	}
	payload, err := encodeOps(ops, p.cfg.Compression)
	if err != nil {
		return fmt.Errorf("persist: encode prepare: %w", err)
	}

	p.gate.RLock()
	defer p.gate.RUnlock()

	pos, err := p.wal.AppendAsync(ctx, &wal.Record{
		Type:    wal.RecordPrepare,
		BeginTS: p.persisted(beginTS),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("persist: prepare begin_ts %d: %w", beginTS, err)
	}

	p.mu.Lock()
	p.pending[beginTS] = pendingTxn{segment: pos.Segment}
	p.mu.Unlock()
	return nil
}

// Commit appends the commit marker of a prepared transaction and, with
// synchronous durability, waits until it and its prepare are on stable storage.
func (p *Persistence) Commit(ctx context.Context, beginTS, commitTS core.Timestamp) error {
	if err := p.ready(); err != nil {
		return err
	}
	err := p.wal.Append(ctx, &wal.Record{
		Type:     wal.RecordCommit,
		BeginTS:  p.persisted(beginTS),
		CommitTS: p.persisted(commitTS),
	})
	if err != nil {
		return fmt.Errorf("persist: commit marker for begin_ts %d: %w", beginTS, err)
	}

	p.mu.Lock()
	if txn, ok := p.pending[beginTS]; ok {
		txn.commitTS = commitTS
		p.pending[beginTS] = txn
	}
	p.mu.Unlock()
	return nil
}

// Rollback appends the rollback marker of a prepared transaction. The marker
// is not waited for: a prepare without any marker is discarded by recovery anyway.
func (p *Persistence) Rollback(ctx context.Context, beginTS core.Timestamp) error {
	p.mu.Lock()
	delete(p.pending, beginTS)
	p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	if _, err := p.wal.AppendAsync(ctx, &wal.Record{
		Type:    wal.RecordRollback,
		BeginTS: p.persisted(beginTS),
	}); err != nil {
		return fmt.Errorf("persist: rollback marker for begin_ts %d: %w", beginTS, err)
	}
	return nil
}

// Pending returns the number of prepared transactions whose log segments must be kept.
func (p *Persistence) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Segments returns the sequence numbers of the WAL segments on disk.
func (p *Persistence) Segments() []uint64 {
	return p.wal.Segments()
}

// Sync forces everything logged so far to stable storage.
func (p *Persistence) Sync() error {
	return p.wal.Sync()
}

// Close closes the log.
func (p *Persistence) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return p.wal.Close()
}
