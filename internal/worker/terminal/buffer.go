package terminal

import (
	"sync"
	"unicode/utf8"
)

// Buffer is a bounded output buffer. Writes append; once the limit is
// exceeded the oldest bytes are dropped, never the newest.
type Buffer struct {
	mu        sync.Mutex
	limit     int
	data      []byte
	truncated bool
}

// NewBuffer creates a buffer that retains at most limit bytes.
func NewBuffer(limit int) *Buffer {
	if limit < 0 {
		limit = 0
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if b.limit == 0 {
		b.truncated = true
		return len(p), nil
	}

	if len(p) >= b.limit {
		b.data = append(b.data[:0], p[len(p)-b.limit:]...)
		b.truncated = true
		return len(p), nil
	}

	if over := len(b.data) + len(p) - b.limit; over > 0 {
		// Shift in place so the backing array never grows past limit.
		n := copy(b.data, b.data[over:])
		b.data = b.data[:n]
		b.truncated = true
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Snapshot returns the retained output and whether anything was dropped.
// Leading UTF-8 continuation bytes left by front truncation are skipped so
// the returned string starts on a character boundary.
func (b *Buffer) Snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if b.truncated {
		for start < len(b.data) && !utf8.RuneStart(b.data[start]) {
			start++
		}
	}
	return string(b.data[start:]), b.truncated
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Limit returns the configured byte limit.
func (b *Buffer) Limit() int {
	return b.limit
}
