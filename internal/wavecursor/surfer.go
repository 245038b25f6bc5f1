package wavecursor

import (
	"fmt"
	"io"
)

// SurferAdapter writes one line per cursor update to an external sink -
// typically a named pipe a waveform viewer (surfer) tails - in a format
// the viewer's companion script maps to its own simulation timeline.
// Write failures are swallowed: a viewer that isn't listening must never
// stall or crash replay.
type SurferAdapter struct {
	w      io.WriteCloser
	failed bool
}

// NewSurferAdapter wraps an already-opened sink (a file or named pipe
// opened by the caller with the flags appropriate to its kind).
func NewSurferAdapter(w io.WriteCloser) *SurferAdapter {
	return &SurferAdapter{w: w}
}

// Update writes "cycle <n>\n" to the sink. Once a write fails, further
// updates are silently skipped rather than retried.
func (s *SurferAdapter) Update(cycle uint64) {
	if s.failed {
		return
	}
	if _, err := fmt.Fprintf(s.w, "cycle %d\n", cycle); err != nil {
		s.failed = true
	}
}

// Close closes the underlying sink.
func (s *SurferAdapter) Close() error {
	return s.w.Close()
}
