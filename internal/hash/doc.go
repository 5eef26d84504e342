// Package hash provides the CRC32-Castagnoli checksums that frame write-ahead log
// records and checkpoint images. Go's hash/crc32 uses SSE4.2 or the ARM CRC
// extension for this polynomial when available.
package hash
