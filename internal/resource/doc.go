// Package resource governs the process-wide budgets of a database instance.
//
// A Controller tracks three resources:
//
//   - Memory: heap chunk bytes. Acquisition is fail-fast and returns a
//     *LimitError wrapping ErrMemoryLimitExceeded when the budget would be exceeded.
//   - Workers: slots for background work such as compressing checkpoint shards.
//   - IO: a token bucket shared by WAL appends and checkpoint uploads.
//
// A nil *Controller is valid and imposes no limits.
package resource
