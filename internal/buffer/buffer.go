// Package buffer implements the Monitor's bounded FIFO envelope queue:
// written by every Tailer through the Watcher's emit callback, read by the
// Uplink, guarded by one mutex, drop-oldest on overflow. Grounded on the teacher's
// sendbuffer.go (a bounded queue with an explicit full-buffer signal) from
// brianly1003-cdev, adapted from a channel-backed reject-on-full buffer to a
// slice-backed ring that can drop its oldest element, since a Go channel
// has no way to evict the item already sitting at its head.
package buffer

import (
	"sync"

	"github.com/vibetea/vibetea/internal/envelope"
)

// Buffer is a bounded, drop-oldest FIFO queue of envelopes.
type Buffer struct {
	mu       sync.Mutex
	items    []envelope.Envelope
	capacity int

	dropped      int64
	warnedAt80Pc bool
}

// New creates a Buffer with the given capacity. A capacity <= 0 uses the
// default of 1000.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{
		items:    make([]envelope.Envelope, 0, capacity),
		capacity: capacity,
	}
}

// Push appends env to the queue. If the queue is at capacity, the oldest
// entry is dropped to make room and the drop counter increments. Returns
// true if usage just crossed the 80% warning threshold for the first time
// since the last time the buffer was below it.
func (b *Buffer) Push(env envelope.Envelope) (crossedWarnThreshold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, env)

	threshold := (b.capacity * 8) / 10
	if len(b.items) >= threshold {
		if !b.warnedAt80Pc {
			b.warnedAt80Pc = true
			return true
		}
	} else {
		b.warnedAt80Pc = false
	}
	return false
}

// PopBatch removes and returns up to maxCount envelopes from the front of
// the queue, stopping early if appending the next envelope would exceed
// maxBytes of combined serialized size. maxBytes <= 0 means no byte limit.
func (b *Buffer) PopBatch(maxCount, maxBytes int) []envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	n := maxCount
	if n > len(b.items) {
		n = len(b.items)
	}

	batch := make([]envelope.Envelope, 0, n)
	size := 0
	for i := 0; i < n; i++ {
		if maxBytes > 0 {
			itemSize := estimateSize(b.items[i])
			if size+itemSize > maxBytes && len(batch) > 0 {
				break
			}
			size += itemSize
		}
		batch = append(batch, b.items[i])
	}

	b.items = b.items[len(batch):]
	return batch
}

// Requeue pushes envs back onto the FRONT of the queue, preserving their
// relative order. Used when a batch fails to send and must be retried
// without violating the enqueue-order guarantee.
func (b *Buffer) Requeue(envs []envelope.Envelope) {
	if len(envs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(envs, b.items...)
	if len(b.items) > b.capacity {
		overflow := len(b.items) - b.capacity
		b.items = b.items[overflow:]
		b.dropped += int64(overflow)
	}
}

// Len returns the number of envelopes currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns the total number of envelopes dropped for overflow.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func estimateSize(e envelope.Envelope) int {
	// A cheap upper bound without marshaling on every call: field lengths
	// plus JSON punctuation overhead is always >= the real encoded size.
	return len(e.ID) + len(e.Source) + len(e.Timestamp) + len(e.Type) +
		len(e.Payload.SessionID) + len(e.Payload.Project) + len(e.Payload.Tool) +
		len(e.Payload.Status) + len(e.Payload.Context) + len(e.Payload.Action) +
		len(e.Payload.Summary) + 128
}
