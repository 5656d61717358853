package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_NeverExceedsLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		writes    []string
		want      string
		truncated bool
	}{
		{"under limit", 10, []string{"abc", "def"}, "abcdef", false},
		{"exactly limit", 6, []string{"abc", "def"}, "abcdef", false},
		{"drops oldest", 5, []string{"abc", "def"}, "bcdef", true},
		{"single oversized write keeps tail", 4, []string{"0123456789"}, "6789", true},
		{"many small writes", 3, []string{"a", "b", "c", "d", "e"}, "cde", true},
		{"zero limit keeps nothing", 0, []string{"abc"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				assert.NoError(t, err)
				assert.Equal(t, len(w), n)
				assert.LessOrEqual(t, b.Len(), tt.limit)
			}
			got, truncated := b.Snapshot()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}

func TestBuffer_EmptySnapshot(t *testing.T) {
	b := NewBuffer(16)
	got, truncated := b.Snapshot()
	assert.Empty(t, got)
	assert.False(t, truncated)
}

func TestBuffer_TruncationRespectsRuneBoundary(t *testing.T) {
	b := NewBuffer(5)
	// "é" is two bytes; dropping the oldest 2 bytes of "aéééb" leaves a
	// dangling continuation byte at the front.
	_, _ = b.Write([]byte("aé"))
	_, _ = b.Write([]byte("éé"))
	got, truncated := b.Snapshot()
	assert.True(t, truncated)
	assert.True(t, strings.HasSuffix(got, "éé"))
	assert.NotContains(t, got, "�")
	assert.Equal(t, 5, b.Len())
}
