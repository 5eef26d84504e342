package txnlog

import (
	"errors"
	"math/bits"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
)

// DefaultRegistryCapacity is the default number of concurrently live logs.
const DefaultRegistryCapacity = 1 << 14

// ErrLogsExhausted is returned when every log handle is in use.
var ErrLogsExhausted = errors.New("txnlog: log handles exhausted")

// Registry hands out the 16-bit handles under which logs are published in the
// transaction metadata table. A handle stays bound to its log until garbage
// collection releases it.
type Registry struct {
	logs  []atomic.Pointer[Log]
	used  []atomic.Uint64 // allocation bitmap
	inUse atomic.Int64
	hint  atomic.Uint64
}

// NewRegistry creates a registry with room for capacity logs.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	if capacity > int(core.MaxLogHandle) {
		capacity = int(core.MaxLogHandle)
	}
	return &Registry{
		logs: make([]atomic.Pointer[Log], capacity),
		used: make([]atomic.Uint64, (capacity+63)/64),
	}
}

// Allocate binds log to a free handle.
func (r *Registry) Allocate(log *Log) (core.LogHandle, error) {
	words := len(r.used)
	start := int(r.hint.Load() % uint64(words))
	for n := 0; n < words; n++ {
		w := (start + n) % words
		for {
			word := r.used[w].Load()
			free := ^word
			if free == 0 {
				break
			}
			bit := bits.TrailingZeros64(free)
			slot := w*64 + bit
			if slot >= len(r.logs) {
				break
			}
			if r.used[w].CompareAndSwap(word, word|1<<bit) {
				r.logs[slot].Store(log)
				r.inUse.Add(1)
				r.hint.Store(uint64(w))
				return core.LogHandle(slot + 1), nil
			}
		}
	}
	return core.InvalidLogHandle, ErrLogsExhausted
}

// Get returns the log bound to h, or nil if h is not bound.
//
// A log returned here may be released concurrently; callers that race with
// garbage collection must confirm the handle is still published afterwards.
func (r *Registry) Get(h core.LogHandle) *Log {
	if !h.IsValid() || int(h) > len(r.logs) {
		return nil
	}
	return r.logs[h-1].Load()
}

// Release unbinds h so it can be reused.
func (r *Registry) Release(h core.LogHandle) {
	core.Invariant(h.IsValid() && int(h) <= len(r.logs), "releasing log handle %d", h)
	slot := int(h) - 1
	core.Invariant(r.logs[slot].Swap(nil) != nil, "releasing unbound log handle %d", h)

	w, bit := slot/64, uint(slot%64)
	for {
		word := r.used[w].Load()
		if r.used[w].CompareAndSwap(word, word&^(1<<bit)) {
			break
		}
	}
	r.inUse.Add(-1)
}

// InUse returns the number of bound handles.
func (r *Registry) InUse() int {
	return int(r.inUse.Load())
}
