package pipeline

import (
	"strings"
	"sync"
)

// LineRing keeps the most recent lines written to it
type LineRing struct {
	mu    sync.Mutex
	lines []string
	size  int
}

// NewLineRing creates a ring holding at most size lines
func NewLineRing(size int) *LineRing {
	if size <= 0 {
		size = 1
	}
	return &LineRing{lines: make([]string, 0, size), size: size}
}

// Add appends a line, evicting the oldest when full
func (r *LineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) >= r.size {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
	}
	r.lines = append(r.lines, line)
}

// Lines returns a copy of the buffered lines, oldest first
func (r *LineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]string, len(r.lines))
	copy(result, r.lines)
	return result
}

func (r *LineRing) String() string {
	return strings.Join(r.Lines(), "\n")
}
