// Package persist makes committed transactions durable.
//
// Every transaction that writes writes a prepare record with its redo operations
// before it is submitted for validation, followed by a commit or rollback marker
// once it is decided. Recovery loads the newest checkpoint and replays, in commit
// order, every prepare whose commit marker made it to disk. Prepares without a
// marker belong to transactions that were never acknowledged and are discarded.
//
// Timestamps restart at 1 in every process. Records carry persisted timestamps,
// which are offset by the highest timestamp seen during recovery so that the log
// stays ordered across restarts.
//
// A checkpoint dumps every object visible at one snapshot to a sharded,
// zstd-compressed image in a blobstore.Store and then drops the log segments the
// image covers.
package persist
