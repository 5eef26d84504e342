// Package wal implements the segmented write-ahead log behind transaction persistence.
//
// The log is a directory of segment files named wal-<seq>.log. Each segment starts
// with an 8-byte magic and a 4-byte version, followed by CRC32C-framed records:
//
//	[crc32c u32][type u8][begin_ts u64][commit_ts u64][len u32][payload]
//
// The checksum covers everything after itself. A process always starts a fresh
// segment, so only the newest segment of a crashed process can have a torn tail;
// Replay stops reading a segment at the first torn or corrupt frame.
//
// With DurabilitySync, appenders wait for a background syncer that batches fsyncs
// across concurrent writers (group commit).
package wal
