package statusipc

import "github.com/breeze-rmm/selfupdate/internal/health"

// Request types understood by the server.
const (
	TypeStatus = "status"
	TypeCheck  = "check"
	TypeAbort  = "abort"
	TypeCommit = "commit"
)

// MaxMessageSize bounds a single CBOR frame (1MB).
const MaxMessageSize = 1 << 20

// Request is sent by a client. Stream is only read for check requests.
type Request struct {
	ID     string `cbor:"id"`
	Type   string `cbor:"type"`
	Stream string `cbor:"stream,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID         string         `cbor:"id"`
	Type       string         `cbor:"type"`
	Status     string         `cbor:"status"`
	Message    string         `cbor:"message"`
	Percentage float64        `cbor:"percentage"`
	Started    bool           `cbor:"started,omitempty"`
	LastError  string         `cbor:"lastError,omitempty"`
	Detail     string         `cbor:"detail,omitempty"`
	Health     health.Summary `cbor:"health"`
	Error      string         `cbor:"error,omitempty"`
}
