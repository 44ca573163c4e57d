package logging

import (
	"os"
	"sync"
)

// RingBuffer retains the tail of the log stream in memory so a crash dump
// can show what led up to a failure. Writes never block and never fail;
// once capacity is reached the oldest bytes fall off the front. Safe for
// concurrent use.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int // index of the oldest byte
	held  int // bytes currently retained
}

// NewRingBuffer allocates a buffer holding the last size bytes written.
// A non-positive size gets a 1MB default.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write implements io.Writer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	capacity := len(rb.data)
	if len(p) > capacity {
		p = p[len(p)-capacity:]
	}

	tail := (rb.start + rb.held) % capacity
	first := copy(rb.data[tail:], p)
	copy(rb.data, p[first:])

	rb.held += len(p)
	if rb.held > capacity {
		rb.start = (rb.start + rb.held - capacity) % capacity
		rb.held = capacity
	}
	return written, nil
}

// Bytes copies out the retained tail, oldest byte first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.held)
	end := rb.start + rb.held
	if end > len(rb.data) {
		end = len(rb.data)
	}
	first := copy(out, rb.data[rb.start:end])
	copy(out[first:], rb.data[:rb.held-first])
	return out
}

// DumpToFile writes the retained tail to a user-only file. Log lines can
// carry payload fragments, so the dump gets the same 0600 treatment as
// mailbox entries.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
