package process

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// maxPartialBytes caps the unterminated tail kept between writes and the
// length of each retained line.
const maxPartialBytes = 4096

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// LineBuffer is an io.Writer that keeps the last N complete lines written
// to it, ANSI-stripped. It is used to capture an agent's stderr.
type LineBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	onLine  func(string)
}

// NewLineBuffer returns a buffer holding at most max lines. onLine, when
// non-nil, is called for every completed line.
func NewLineBuffer(max int, onLine func(string)) *LineBuffer {
	if max <= 0 {
		max = 50
	}
	return &LineBuffer{max: max, onLine: onLine}
}

func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial = append(b.partial, p...)
	var completed []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := stripANSI(string(tail(lastFrame(bytes.TrimRight(b.partial[:i], "\r")), maxPartialBytes)))
		b.partial = b.partial[i+1:]
		if line == "" {
			continue
		}
		b.push(line)
		completed = append(completed, line)
	}
	b.partial = boundPartial(b.partial)
	onLine := b.onLine
	b.mu.Unlock()

	if onLine != nil {
		for _, line := range completed {
			onLine(line)
		}
	}
	return len(p), nil
}

// lastFrame returns what a terminal would show for a line redrawn with bare
// carriage returns: the text after the last one.
func lastFrame(line []byte) []byte {
	if i := bytes.LastIndexByte(line, '\r'); i >= 0 {
		return line[i+1:]
	}
	return line
}

// boundPartial drops carriage-return frames that were already overwritten
// and keeps at most maxPartialBytes, cut at a rune boundary. A trailing \r
// is kept since it may be the first half of a CRLF.
func boundPartial(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	if i := bytes.LastIndexByte(p[:len(p)-1], '\r'); i >= 0 {
		p = p[i+1:]
	}
	return append([]byte(nil), tail(p, maxPartialBytes)...)
}

// tail returns at most the last n bytes of p, starting on a rune boundary.
func tail(p []byte, n int) []byte {
	if len(p) <= n {
		return p
	}
	p = p[len(p)-n:]
	for len(p) > 0 && !utf8.RuneStart(p[0]) {
		p = p[1:]
	}
	return p
}

func (b *LineBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0:0], b.lines[over:]...)
	}
}

// Lines returns the retained lines, oldest first, including any trailing
// partial line.
func (b *LineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines), len(b.lines)+1)
	copy(out, b.lines)
	if last := strings.TrimSpace(stripANSI(string(lastFrame(bytes.TrimRight(b.partial, "\r"))))); last != "" {
		out = append(out, last)
	}
	return out
}

// String joins the retained lines with newlines.
func (b *LineBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
