package mvccdb

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/mvccdb/internal/engine"
)

// Outcome is the decision of a commit.
type Outcome = engine.Outcome

const (
	// Committed means the transaction's writes are visible to every later transaction.
	Committed = engine.Committed
	// Aborted means the transaction lost a write-write conflict.
	Aborted = engine.Aborted
)

// MaintenanceStats reports the work of one apply, gc and truncate pass.
type MaintenanceStats = engine.MaintenanceStats

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
// Implementations must be safe for concurrent use.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    commits  *prometheus.CounterVec
//	    latency  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCommit(d time.Duration, outcome mvccdb.Outcome, err error) {
//	    p.commits.WithLabelValues(outcome.String()).Inc()
//	    p.latency.Observe(d.Seconds())
//	}
type MetricsCollector interface {
	// RecordBegin is called after each transaction begins.
	RecordBegin()

	// RecordCommit is called after each commit. err is non-nil if the outcome
	// could not be logged.
	RecordCommit(duration time.Duration, outcome Outcome, err error)

	// RecordRollback is called after each rollback, including implicit ones.
	RecordRollback()

	// RecordMaintenance is called after each maintenance pass that did any work.
	RecordMaintenance(stats MaintenanceStats)

	// RecordCheckpoint is called after each checkpoint.
	RecordCheckpoint(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordBegin()                               {}
func (NoopMetricsCollector) RecordCommit(time.Duration, Outcome, error) {}
func (NoopMetricsCollector) RecordRollback()                            {}
func (NoopMetricsCollector) RecordMaintenance(MaintenanceStats)         {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error)      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	BeginCount       atomic.Int64
	CommitCount      atomic.Int64
	CommitTotalNanos atomic.Int64
	AbortCount       atomic.Int64
	CommitErrors     atomic.Int64
	RollbackCount    atomic.Int64
	AppliedLogs      atomic.Int64
	CollectedLogs    atomic.Int64
	FreedVersions    atomic.Int64
	Truncations      atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
}

// RecordBegin implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBegin() {
	b.BeginCount.Add(1)
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(duration time.Duration, outcome Outcome, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if outcome == Aborted {
		b.AbortCount.Add(1)
	}
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordRollback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRollback() {
	b.RollbackCount.Add(1)
}

// RecordMaintenance implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMaintenance(stats MaintenanceStats) {
	b.AppliedLogs.Add(int64(stats.Applied))
	b.CollectedLogs.Add(int64(stats.Collected))
	b.FreedVersions.Add(int64(stats.Freed))
	if stats.Truncated {
		b.Truncations.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(_ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	stats := BasicMetricsStats{
		BeginCount:       b.BeginCount.Load(),
		CommitCount:      b.CommitCount.Load(),
		AbortCount:       b.AbortCount.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		RollbackCount:    b.RollbackCount.Load(),
		AppliedLogs:      b.AppliedLogs.Load(),
		CollectedLogs:    b.CollectedLogs.Load(),
		FreedVersions:    b.FreedVersions.Load(),
		Truncations:      b.Truncations.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
	}
	if stats.CommitCount > 0 {
		stats.CommitAvgNanos = b.CommitTotalNanos.Load() / stats.CommitCount
	}
	return stats
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	BeginCount       int64
	CommitCount      int64
	CommitAvgNanos   int64
	AbortCount       int64
	CommitErrors     int64
	RollbackCount    int64
	AppliedLogs      int64
	CollectedLogs    int64
	FreedVersions    int64
	Truncations      int64
	CheckpointCount  int64
	CheckpointErrors int64
}
