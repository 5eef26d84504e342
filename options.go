package mvccdb

import (
	"log/slog"

	"github.com/hupe1980/mvccdb/blobstore"
	"github.com/hupe1980/mvccdb/internal/codec"
	"github.com/hupe1980/mvccdb/internal/engine"
	"github.com/hupe1980/mvccdb/internal/fs"
	"github.com/hupe1980/mvccdb/internal/heap"
	"github.com/hupe1980/mvccdb/internal/wal"
)

// Durability controls when a commit marker is acknowledged.
type Durability = wal.Durability

const (
	// DurabilitySync waits until the commit marker is fsynced. Concurrent commits
	// share one fsync.
	DurabilitySync = wal.DurabilitySync
	// DurabilityAsync returns once the marker is in the OS page cache.
	DurabilityAsync = wal.DurabilityAsync
)

// Compression selects the codec of logged write sets.
type Compression = codec.Compression

const (
	CompressionNone = codec.None
	CompressionLZ4  = codec.LZ4
	CompressionZstd = codec.Zstd
)

// FileSystem abstracts the file operations of the write-ahead log and the local
// checkpoint store.
type FileSystem = fs.FileSystem

type options struct {
	engine           engine.Config
	heapChunkSize    int
	heapMaxChunks    int
	memoryLimit      int64
	ioLimit          int64
	checkpointers    int64
	dir              string
	durability       Durability
	compression      Compression
	store            blobstore.Store
	fsys             FileSystem
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := mvccdb.NewJSONLogger(slog.LevelInfo)
//	db, _ := mvccdb.Open(ctx, mvccdb.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &mvccdb.BasicMetricsCollector{}
//	db, _ := mvccdb.Open(ctx, mvccdb.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Commits: %d, aborted: %d\n", stats.CommitCount, stats.AbortCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLocatorCapacity bounds the number of objects ever created, including
// removed ones and those of aborted transactions.
func WithLocatorCapacity(n int) Option {
	return func(o *options) {
		o.engine.LocatorCapacity = n
	}
}

// WithMaxSessions bounds the number of open sessions.
func WithMaxSessions(n int) Option {
	return func(o *options) {
		o.engine.MaxSessions = n
	}
}

// WithMaxTxnLogs bounds the number of transaction logs alive at once: open
// transactions plus decided ones that garbage collection has not reclaimed.
func WithMaxTxnLogs(n int) Option {
	return func(o *options) {
		o.engine.MaxTxnLogs = n
	}
}

// WithIDIndexBuckets sets the bucket count and node capacity of the id index.
// Capacity bounds the number of ids ever created.
func WithIDIndexBuckets(buckets, capacity int) Option {
	return func(o *options) {
		o.engine.IDIndexBuckets = buckets
		o.engine.IDIndexCapacity = capacity
	}
}

// WithHeapChunkSize sets the size of heap chunks. It bounds the size of one object.
func WithHeapChunkSize(size int) Option {
	return func(o *options) {
		o.heapChunkSize = size
	}
}

// WithHeapMaxChunks bounds the number of heap chunks ever mapped.
func WithHeapMaxChunks(n int) Option {
	return func(o *options) {
		o.heapMaxChunks = n
	}
}

// WithMemoryLimit bounds the heap memory in bytes. Zero means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithPersistence logs every commit to a write-ahead log in dir and recovers
// the database from it on Open. Without it the database lives in memory only.
func WithPersistence(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithDurability selects when commits are acknowledged. The default is DurabilitySync.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithCompression selects the codec of logged write sets. The default is LZ4.
// Checkpoint images are always zstd-compressed.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithIOLimit throttles log and checkpoint writes to bytesPerSec. Zero means unlimited.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithCheckpointWorkers bounds how many checkpoint shards are compressed in parallel.
func WithCheckpointWorkers(n int) Option {
	return func(o *options) {
		o.checkpointers = int64(n)
	}
}

// WithCheckpointStore stores checkpoint images in store instead of the
// persistence directory.
//
// Example with S3:
//
//	store, _ := s3.New(ctx, "my-bucket", "db1/")
//	db, _ := mvccdb.Open(ctx, mvccdb.WithPersistence("./wal"), mvccdb.WithCheckpointStore(store))
func WithCheckpointStore(store blobstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithFileSystem replaces the local file system, mostly for fault injection in tests.
func WithFileSystem(fsys FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		engine:           engine.DefaultConfig(),
		heapChunkSize:    heap.DefaultChunkSize,
		heapMaxChunks:    heap.DefaultMaxChunks,
		checkpointers:    2,
		durability:       DurabilitySync,
		compression:      CompressionLZ4,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
