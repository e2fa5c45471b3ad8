package transfer

import (
	"io"
	"sync/atomic"
	"time"
)

// stallReader closes the wrapped body when no bytes arrive for the stall
// window, unblocking a Read stuck on a silent connection.
type stallReader struct {
	r       io.ReadCloser
	window  time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newStallReader(r io.ReadCloser, window time.Duration) *stallReader {
	s := &stallReader{r: r, window: window}
	if window > 0 {
		s.timer = time.AfterFunc(window, func() {
			s.stalled.Store(true)
			r.Close()
		})
	}
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 && s.timer != nil && !s.stalled.Load() {
		s.timer.Reset(s.window)
	}
	return n, err
}

func (s *stallReader) Stalled() bool { return s.stalled.Load() }

func (s *stallReader) Close() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.r.Close()
}
