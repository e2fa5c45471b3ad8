// Package secmem holds credentials read from config so they never reach
// logs or status output in plaintext.
package secmem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/selfupdate/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// Secret is a credential with best-effort zeroing. The GC may still hold
// copies of the backing array.
type Secret struct {
	mu         sync.Mutex
	data       []byte
	wiped      atomic.Bool
	warnedOnce atomic.Bool
}

// New returns nil for an empty value so callers can test for "no credential".
func New(s string) *Secret {
	if s == "" {
		return nil
	}
	b := make([]byte, len(s))
	copy(b, s)
	return &Secret{data: b}
}

// Reveal returns the plaintext. Call it only where the value is sent.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	val := string(s.data)
	wiped := s.data == nil && s.wiped.Load()
	s.mu.Unlock()

	if wiped {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("credential revealed after it was wiped")
		}
		return ""
	}
	return val
}

// Empty reports whether there is nothing to send.
func (s *Secret) Empty() bool { return s.Reveal() == "" }

// Wipe overwrites the value in place.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.wiped.Store(true)
}

func (s *Secret) String() string { return redacted }
func (s *Secret) GoString() string { return redacted }
func (s *Secret) Format(f fmt.State, _ rune) { fmt.Fprint(f, redacted) }
func (s *Secret) LogValue() slog.Value { return slog.StringValue(redacted) }
func (s *Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (s *Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// UnmarshalJSON refuses to populate a Secret from a wire payload.
func (s *Secret) UnmarshalJSON([]byte) error {
	return fmt.Errorf("secmem: cannot deserialize a secret")
}
