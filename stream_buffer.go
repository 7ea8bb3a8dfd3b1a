package main

import (
	"sync"

	"github.com/cwsl/pimtector/dsp"
)

// StreamBuffer is a bounded FIFO of finished traces shared by the
// acquisition loop (producer) and the drain loop (consumer). Neither side
// ever blocks: Push drops the incoming trace when full and Pop reports
// empty instead of waiting.
type StreamBuffer struct {
	mu       sync.Mutex
	items    []dsp.Trace
	head     int
	count    int
	overflow bool
	metrics  *PrometheusMetrics
}

// NewStreamBuffer creates a buffer holding at most capacity traces
func NewStreamBuffer(capacity int, metrics *PrometheusMetrics) *StreamBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &StreamBuffer{
		items:   make([]dsp.Trace, capacity),
		metrics: metrics,
	}
}

// Push appends t and clears the overflow flag. When the buffer is full t is
// dropped, the overflow flag set and false returned.
func (b *StreamBuffer) Push(t dsp.Trace) bool {
	b.mu.Lock()
	if b.count == len(b.items) {
		b.overflow = true
		b.mu.Unlock()
		b.metrics.RecordBufferPush(false)
		return false
	}
	b.items[(b.head+b.count)%len(b.items)] = t
	b.count++
	b.overflow = false
	b.mu.Unlock()
	b.metrics.RecordBufferPush(true)
	return true
}

// Pop removes and returns the oldest trace; ok is false when empty
func (b *StreamBuffer) Pop() (t dsp.Trace, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil, false
	}
	t = b.items[b.head]
	b.items[b.head] = nil
	b.head = (b.head + 1) % len(b.items)
	b.count--
	return t, true
}

// Len is the number of buffered traces
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap is the fixed capacity
func (b *StreamBuffer) Cap() int {
	return len(b.items)
}

// FillRatio is Len/Cap
func (b *StreamBuffer) FillRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.count) / float64(len(b.items))
}

// Overflow reports whether the most recent push was dropped
func (b *StreamBuffer) Overflow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Clear empties the buffer and resets the overflow flag
func (b *StreamBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		b.items[i] = nil
	}
	b.head = 0
	b.count = 0
	b.overflow = false
}
