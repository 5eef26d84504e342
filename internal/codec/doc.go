// Package codec implements the block compression used by persisted payloads.
//
// A block is self-describing: [algo u8][uncompressed u32][stored u32][data...].
// Blocks that do not shrink by at least 10% are stored raw.
package codec
