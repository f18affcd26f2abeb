package engines

import (
	"strings"
	"sync"
)

// lineRing keeps the last N lines written to it. The runner drains the
// child's stderr into one of these so a failing exit can report the
// tail without buffering unbounded output.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	next  int
	full  bool
}

func newLineRing(max int) *lineRing {
	if max <= 0 {
		max = 1
	}
	return &lineRing{lines: make([]string, max), max: max}
}

func (r *lineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.max
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns the retained lines in write order, joined by newlines.
func (r *lineRing) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	return strings.Join(out, "\n")
}
