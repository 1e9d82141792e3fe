package collector

import "sync/atomic"

// Handle names a frame slot in an Arena. Moving a handle moves ownership of
// the slot.
type Handle uint32

// ring is a bounded single-producer single-consumer queue of handles. The
// producer only stores tail and the consumer only stores head; a slot is
// written before tail is published, so the consumer never sees a half-written
// entry.
type ring struct {
	buf      []Handle
	mask     uint32
	capacity uint32
	head     atomic.Uint32
	tail     atomic.Uint32
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &ring{
		buf:      make([]Handle, size),
		mask:     uint32(size - 1),
		capacity: uint32(capacity),
	}
}

// push is called by the producer only.
func (r *ring) push(h Handle) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == r.capacity {
		return false
	}
	r.buf[tail&r.mask] = h
	r.tail.Store(tail + 1)
	return true
}

// pop is called by the consumer only.
func (r *ring) pop() (Handle, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return 0, false
	}
	h := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return h, true
}

func (r *ring) len() int {
	return int(r.tail.Load() - r.head.Load())
}
