package process

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineBuffer_KeepsLastLines(t *testing.T) {
	var seen []string
	b := NewLineBuffer(3, func(l string) { seen = append(seen, l) })

	for i := 0; i < 5; i++ {
		_, _ = fmt.Fprintf(b, "line %d\n", i)
	}

	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, b.Lines())
	assert.Len(t, seen, 5)
}

func TestLineBuffer_SplitWritesAndANSI(t *testing.T) {
	b := NewLineBuffer(10, nil)
	_, _ = b.Write([]byte("\x1b[31mer"))
	_, _ = b.Write([]byte("ror\x1b[0m\r\n\npartial"))

	assert.Equal(t, []string{"error", "partial"}, b.Lines())
	assert.Equal(t, "error\npartial", b.String())
}

func TestLineBuffer_CarriageReturnFramesDoNotAccumulate(t *testing.T) {
	b := NewLineBuffer(5, nil)
	frames := strings.Repeat("spinner frame \r", 1000)
	for i := 0; i < 200; i++ {
		_, _ = b.Write([]byte(frames))
	}

	b.mu.Lock()
	retained := len(b.partial)
	b.mu.Unlock()
	assert.LessOrEqual(t, retained, maxPartialBytes)
	assert.Equal(t, []string{"spinner frame"}, b.Lines())

	_, _ = b.Write([]byte("loading 10%\rloading 100%\n"))
	assert.Equal(t, []string{"loading 100%"}, b.Lines())
}

func TestLineBuffer_LongLinesAreCapped(t *testing.T) {
	b := NewLineBuffer(5, nil)
	for i := 0; i < 100; i++ {
		_, _ = b.Write([]byte(strings.Repeat("é", 1000)))
	}

	lines := b.Lines()
	require.Len(t, lines, 1)
	assert.LessOrEqual(t, len(lines[0]), maxPartialBytes)
	assert.True(t, utf8.ValidString(lines[0]))

	_, _ = b.Write([]byte("\n"))
	lines = b.Lines()
	require.Len(t, lines, 1)
	assert.LessOrEqual(t, len(lines[0]), maxPartialBytes)
}
