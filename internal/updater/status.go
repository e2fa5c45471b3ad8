package updater

import "fmt"

// Status is the externally visible state of the updater.
type Status int

const (
	Idle Status = iota
	Checking
	Updating
	Completed
	NoUpdate
	NeedsRestart
	Error
	EmergencyFallback
)

var statusNames = [...]string{
	Idle:              "Idle",
	Checking:          "Checking",
	Updating:          "Updating",
	Completed:         "Completed",
	NoUpdate:          "NoUpdate",
	NeedsRestart:      "NeedsRestart",
	Error:             "Error",
	EmergencyFallback: "EmergencyFallback",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	switch s {
	case Completed, NoUpdate, NeedsRestart, Error, EmergencyFallback:
		return true
	}
	return false
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (Status, bool) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), true
		}
	}
	return Idle, false
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	v, ok := ParseStatus(string(text))
	if !ok {
		return fmt.Errorf("unknown status %q", text)
	}
	*s = v
	return nil
}
