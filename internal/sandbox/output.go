package sandbox

import (
	"strings"
	"sync"
)

const truncatedMarker = "\n[output truncated]\n"

// cappedBuffer collects program output up to a byte limit. It is written by
// the interpreter goroutine and read by the supervisor, possibly after the
// interpreter was abandoned.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// WriteLine appends s and a newline.
func (b *cappedBuffer) WriteLine(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	s += "\n"
	if remaining := b.limit - b.buf.Len(); len(s) > remaining {
		b.buf.WriteString(s[:max(remaining, 0)])
		b.buf.WriteString(truncatedMarker)
		b.truncated = true
		return
	}
	b.buf.WriteString(s)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
