package session

import (
	"sync"
)

// OutputBuffer is the bounded FIFO of recent container output retained for
// replay to a resuming client. It is capped both by chunk count and by total
// bytes; appending past either cap drops the oldest data first.
type OutputBuffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	bytes     int
	maxChunks int
	maxBytes  int
}

// NewOutputBuffer creates a buffer bounded by maxChunks entries and maxBytes
// total payload.
func NewOutputBuffer(maxChunks, maxBytes int) *OutputBuffer {
	return &OutputBuffer{
		maxChunks: maxChunks,
		maxBytes:  maxBytes,
	}
}

// Append records one output chunk, evicting from the head until both caps
// hold. The chunk is copied; callers may reuse their slice.
func (b *OutputBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A single chunk larger than the byte cap keeps only its tail: the most
	// recent output is the part worth replaying.
	if len(chunk) > b.maxBytes {
		chunk = chunk[len(chunk)-b.maxBytes:]
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.chunks = append(b.chunks, c)
	b.bytes += len(c)

	for len(b.chunks) > b.maxChunks || b.bytes > b.maxBytes {
		b.bytes -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}

// Snapshot returns a copy of the buffered chunks in arrival order.
func (b *OutputBuffer) Snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.chunks))
	for i, c := range b.chunks {
		cc := make([]byte, len(c))
		copy(cc, c)
		out[i] = cc
	}
	return out
}

// Len returns the current chunk count and byte total.
func (b *OutputBuffer) Len() (chunks, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks), b.bytes
}
