package updater

import (
	"context"
	"errors"
	"sync"

	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

// Transfer is one unit of work: a full download or a patch-chain member.
// Every field is guarded by the owning session's mutex.
type Transfer struct {
	Descriptor manifest.FileDescriptor
	progress   float64
	running    bool
	patching   bool
	usingPatch bool
	err        error
}

// Session is the state of one update run. A single mutex guards the
// active list, every Transfer in it, and the error slot.
type Session struct {
	ID     string
	Stream string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	status        Status
	active        []*Transfer
	total         int
	lastErr       error
	lastErrDetail string
}

func newSession(parent context.Context, id, stream string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:     id,
		Stream: stream,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Checking,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus reports whether the status changed.
func (s *Session) setStatus(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == st {
		return false
	}
	s.status = st
	return true
}

// setError fills the last-error slot. Detail carries diagnostics such as a
// raw server response or the URL that failed.
func (s *Session) setError(err error, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.lastErrDetail = detail
}

// Err returns the last error recorded for the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) clearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.lastErrDetail = ""
	s.mu.Unlock()
}

// add appends transfers to the active list and raises the planned total
// to the new high-water mark.
func (s *Session) add(fds ...manifest.FileDescriptor) []*Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]*Transfer, 0, len(fds))
	for _, fd := range fds {
		t := &Transfer{Descriptor: fd}
		s.active = append(s.active, t)
		added = append(added, t)
	}
	if len(s.active) > s.total {
		s.total = len(s.active)
	}
	return added
}

// appendChain adds patch-chain members mid-flight. Each member counts
// toward the planned total on top of the file it patches.
func (s *Session) appendChain(fds []manifest.FileDescriptor) []*Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]*Transfer, 0, len(fds))
	for _, fd := range fds {
		t := &Transfer{Descriptor: fd}
		s.active = append(s.active, t)
		added = append(added, t)
	}
	s.total += len(fds)
	return added
}

func (s *Session) remove(t *Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.active {
		if a == t {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

func (s *Session) setRunning(t *Transfer, running, usingPatch bool) {
	s.mu.Lock()
	t.running = running
	t.usingPatch = usingPatch
	t.progress = 0
	s.mu.Unlock()
}

func (s *Session) setPatching(t *Transfer, patching bool) {
	s.mu.Lock()
	t.patching = patching
	s.mu.Unlock()
}

func (s *Session) setProgress(t *Transfer, p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	s.mu.Lock()
	t.progress = p
	s.mu.Unlock()
}

// fail marks t failed. The transfer stays in the active list so the drain
// loop sees it.
func (s *Session) fail(t *Transfer, err error) {
	s.mu.Lock()
	t.running = false
	t.patching = false
	t.err = err
	s.mu.Unlock()
}

// firstFailure returns the first failed transfer's error, preferring a
// real failure over an abort.
func (s *Session) firstFailure() (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var aborted *Transfer
	for _, t := range s.active {
		if t.err == nil {
			continue
		}
		if errors.Is(t.err, updateerr.ErrAborted) {
			if aborted == nil {
				aborted = t
			}
			continue
		}
		return t, t.err
	}
	if aborted != nil {
		return aborted, aborted.err
	}
	return nil, nil
}

func (s *Session) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Percentage is (completed*100 + sum of active progress) / (total*100) * 100
// where total is the high-water mark of planned transfers.
func (s *Session) Percentage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percentageLocked()
}

func (s *Session) percentageLocked() float64 {
	if len(s.active) > s.total {
		s.total = len(s.active)
	}
	if s.total == 0 {
		return 0
	}
	sum := float64(s.total-len(s.active)) * 100
	for _, t := range s.active {
		sum += t.progress * 100
	}
	return sum / float64(s.total*100) * 100
}

// Snapshot copies the session state under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:  s.ID,
		Stream:     s.Stream,
		Status:     s.status,
		Percentage: s.percentageLocked(),
		Total:      s.total,
		Active:     make([]TransferSnapshot, 0, len(s.active)),
	}
	for _, t := range s.active {
		snap.Active = append(snap.Active, TransferSnapshot{
			Filename:   t.Descriptor.Filename,
			Size:       t.Descriptor.FileSize,
			Progress:   t.progress,
			Running:    t.running,
			Patching:   t.patching,
			UsingPatch: t.usingPatch,
		})
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
		snap.LastErrorDetail = s.lastErrDetail
		snap.MissingDependency = errors.Is(s.lastErr, updateerr.ErrMissingDependency)
	}
	return snap
}
