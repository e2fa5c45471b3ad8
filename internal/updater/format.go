package updater

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// TransferSnapshot is a copy of one active transfer.
type TransferSnapshot struct {
	Filename   string  `json:"filename" cbor:"filename"`
	Size       int64   `json:"size" cbor:"size"`
	Progress   float64 `json:"progress" cbor:"progress"`
	Running    bool    `json:"running" cbor:"running"`
	Patching   bool    `json:"patching" cbor:"patching"`
	UsingPatch bool    `json:"usingPatch" cbor:"usingPatch"`
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	SessionID         string             `json:"sessionId" cbor:"sessionId"`
	Stream            string             `json:"stream" cbor:"stream"`
	Status            Status             `json:"status" cbor:"status"`
	Percentage        float64            `json:"percentage" cbor:"percentage"`
	Total             int                `json:"total" cbor:"total"`
	Active            []TransferSnapshot `json:"active" cbor:"active"`
	LastError         string             `json:"lastError,omitempty" cbor:"lastError,omitempty"`
	LastErrorDetail   string             `json:"lastErrorDetail,omitempty" cbor:"lastErrorDetail,omitempty"`
	MissingDependency bool               `json:"missingDependency,omitempty" cbor:"missingDependency,omitempty"`
}

// FormatStatus renders a human-readable status line. With includeProgress
// an overall percentage is appended while updating.
func FormatStatus(s Snapshot, includeProgress bool) string {
	switch s.Status {
	case Idle:
		return "Idle"
	case Checking:
		return "Checking for updates..."
	case Error:
		if s.MissingDependency {
			return "Update failed: a required runtime component is missing"
		}
		return "An error occurred while updating"
	case NeedsRestart:
		return "Restart required to finish updating"
	case EmergencyFallback:
		return "Update server requested a fallback"
	case NoUpdate:
		return "Up to date"
	case Completed:
		return "Updated"
	case Updating:
		return formatUpdating(s, includeProgress)
	}
	return s.Status.String()
}

func formatUpdating(s Snapshot, includeProgress bool) string {
	progress := ""
	if includeProgress && s.Percentage > 0 {
		progress = fmt.Sprintf(" (%d%%)", int(s.Percentage))
	}

	active := len(s.Active)
	if active == 0 || s.Total == 0 {
		return "Performing updates..."
	}

	var running int
	var last *TransferSnapshot
	for i := range s.Active {
		if s.Active[i].Running {
			running++
			last = &s.Active[i]
		}
	}

	if running > 1 {
		if s.Total == active {
			return fmt.Sprintf("Downloading %d required files", s.Total) + progress
		}
		return fmt.Sprintf("Downloading %d of %d required files", s.Total-active, s.Total) + progress
	}

	if last != nil {
		if last.Patching {
			return fmt.Sprintf("Patching %s", last.Filename) + progress
		}
		name := last.Filename
		if last.UsingPatch {
			name += "_patch"
		}
		if last.Size > 0 && !last.UsingPatch {
			return fmt.Sprintf("Downloading %s (%s)", name, humanize.Bytes(uint64(last.Size))) + progress
		}
		return fmt.Sprintf("Downloading %s", name) + progress
	}
	return "Performing updates..."
}
