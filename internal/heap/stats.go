package heap

import (
	"fmt"
	"sync/atomic"
)

// Stats is a point-in-time view of heap usage.
type Stats struct {
	ChunksMapped   uint64 // Historical: chunks ever mapped
	ChunksRetired  uint64 // Historical: chunks sealed for allocation
	ChunksReleased uint64 // Historical: retired chunks unmapped after full reclamation
	BytesReserved  int64  // Current: mapped chunk bytes
	BytesLive      int64  // Current: bytes of allocated, not yet freed versions
	HighWater      int64  // Historical: peak BytesLive
	Allocs         uint64 // Historical: versions allocated
	Frees          uint64 // Historical: versions freed
}

type atomicStats struct {
	chunksMapped   atomic.Uint64
	chunksRetired  atomic.Uint64
	chunksReleased atomic.Uint64
	bytesReserved  atomic.Int64
	bytesLive      atomic.Int64
	highWater      atomic.Int64
	allocs         atomic.Uint64
	frees          atomic.Uint64
}

func (s *atomicStats) addLive(delta int64) {
	live := s.bytesLive.Add(delta)
	for {
		hw := s.highWater.Load()
		if live <= hw || s.highWater.CompareAndSwap(hw, live) {
			return
		}
	}
}

// Stats returns current heap statistics.
func (h *Heap) Stats() Stats {
	return Stats{
		ChunksMapped:   h.stats.chunksMapped.Load(),
		ChunksRetired:  h.stats.chunksRetired.Load(),
		ChunksReleased: h.stats.chunksReleased.Load(),
		BytesReserved:  h.stats.bytesReserved.Load(),
		BytesLive:      h.stats.bytesLive.Load(),
		HighWater:      h.stats.highWater.Load(),
		Allocs:         h.stats.allocs.Load(),
		Frees:          h.stats.frees.Load(),
	}
}

// String returns a human-readable summary of the heap.
func (h *Heap) String() string {
	s := h.Stats()
	return fmt.Sprintf(
		"Heap{chunks: %d/%d released, reserved: %.2f MB, live: %.2f MB, peak: %.2f MB, allocs: %d, frees: %d}",
		s.ChunksReleased,
		s.ChunksMapped,
		float64(s.BytesReserved)/(1024*1024),
		float64(s.BytesLive)/(1024*1024),
		float64(s.HighWater)/(1024*1024),
		s.Allocs,
		s.Frees,
	)
}
