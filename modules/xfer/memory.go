package xfer

import (
	"sync"

	"gitlab.com/NebulousLabs/threadgroup"
)

// MemoryManager bounds the total bytes of in-flight chunk buffers a
// Client will hold across every active TransferSlot at once, so a large
// number of simultaneous transfers cannot exhaust process memory. This
// mirrors the renter's memory manager in structure (a priority request
// queue gated by an available-byte counter) but is scoped to one
// resource (raw byte budget) rather than the renter's read/write split.
type MemoryManager struct {
	mu        sync.Mutex
	available uint64
	capacity  uint64
	waiters   []chan struct{}

	tg threadgroup.ThreadGroup
}

// NewMemoryManager returns a manager with the given total byte budget.
func NewMemoryManager(capacity uint64) *MemoryManager {
	return &MemoryManager{available: capacity, capacity: capacity}
}

// Request blocks until n bytes are available (or the manager is shut
// down), then reserves them. priority requests jump the waiter queue,
// matching the renter's "first chunk of a download gets priority" rule
// so a single huge transfer cannot starve small ones.
func (mm *MemoryManager) Request(n uint64, priority bool) bool {
	if err := mm.tg.Add(); err != nil {
		return false
	}
	defer mm.tg.Done()

	mm.mu.Lock()
	if mm.available >= n {
		mm.available -= n
		mm.mu.Unlock()
		return true
	}

	wait := make(chan struct{})
	if priority {
		mm.waiters = append([]chan struct{}{wait}, mm.waiters...)
	} else {
		mm.waiters = append(mm.waiters, wait)
	}
	mm.mu.Unlock()

	select {
	case <-wait:
		mm.mu.Lock()
		if mm.available < n {
			// Woken spuriously by a return that freed less than we need;
			// re-queue at the front since we were already waiting.
			wait2 := make(chan struct{})
			mm.waiters = append([]chan struct{}{wait2}, mm.waiters...)
			mm.mu.Unlock()
			<-wait2
			mm.mu.Lock()
		}
		mm.available -= n
		mm.mu.Unlock()
		return true
	case <-mm.tg.StopChan():
		return false
	}
}

// TryRequest reserves n bytes only if they are immediately available.
// The scheduler thread must never block on memory -- memory is only
// returned from that same thread, so a blocking wait there would never
// wake. A connection that cannot get its buffer simply tries again on a
// later tick.
func (mm *MemoryManager) TryRequest(n uint64) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.available >= n {
		mm.available -= n
		return true
	}
	return false
}

// Return releases n bytes back to the pool and wakes the next waiter.
func (mm *MemoryManager) Return(n uint64) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.available += n
	if mm.available > mm.capacity {
		mm.available = mm.capacity
	}
	if len(mm.waiters) > 0 {
		next := mm.waiters[0]
		mm.waiters = mm.waiters[1:]
		close(next)
	}
}

// Stop unblocks every pending Request call, causing it to return false.
func (mm *MemoryManager) Stop() {
	mm.tg.Stop()
}

// maxRequestSize picks the chunk-buffer size a connection should request
// for a transfer of the given size, clamped so a handful of small
// transfers cannot each reserve an outsized share of the memory budget.
func maxRequestSize(transferSize int64, capacity uint64) uint64 {
	n := uint64(transferSize)
	ceiling := capacity / 8
	if ceiling == 0 {
		ceiling = capacity
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
