// Package spinner draws a one-line progress indicator on a terminal.
package spinner

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

var frames = []string{"⣀⣀", "⣄⣀", "⣤⣀", "⣦⣄", "⣶⣤", "⣿⣦", "⣿⣷", "⣿⣿", "⣷⣿", "⣦⣿", "⣤⣷", "⣄⣦", "⣀⣤", "⣀⣄"}

// Spinner redraws a status line in place.
type Spinner struct {
	mu    sync.Mutex
	w     io.Writer
	index int
	width int
}

// New creates a spinner writing to w.
func New(w io.Writer) *Spinner {
	return &Spinner{w: w}
}

// Update advances to the next frame and redraws the line with status.
func (s *Spinner) Update(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := frames[s.index] + " " + status
	pad := max(s.width-len(line), 0)
	// hide cursor, return to column 0
	fmt.Fprintf(s.w, "\033[?25l\r%s%s", line, strings.Repeat(" ", pad))
	s.width = len(line)
	s.index = (s.index + 1) % len(frames)
}

// Cleanup clears the line and shows the cursor again.
func (s *Spinner) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "\r%s\r\033[?25h", strings.Repeat(" ", s.width))
	s.width = 0
}
