// Package source opens update payloads by URL. Each URL scheme maps to a
// backend: plain HTTP(S) for the release mirrors and object-store backends
// for self-hosted release channels.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("source")

// ErrNotFound is returned when the object does not exist. It is not retried.
var ErrNotFound = errors.New("source: object not found")

// Object is an open payload stream. Size is -1 when unknown.
type Object struct {
	Body io.ReadCloser
	Size int64
}

// Source opens the payload named by u.
type Source interface {
	Open(ctx context.Context, u *url.URL) (*Object, error)
}

// WriterAtSource is implemented by backends that can fetch an object with
// concurrent ranged reads straight into a file.
type WriterAtSource interface {
	DownloadTo(ctx context.Context, u *url.URL, w io.WriterAt, progress func(n int64)) (int64, error)
}

// StatusError reports a non-success HTTP status. Throttling and server
// errors unwrap to updateerr.ErrNetwork so they are retried.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests || e.Code >= 500 {
		return updateerr.ErrNetwork
	}
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Mux dispatches by URL scheme.
type Mux struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewMux returns a Mux with the http and https schemes served by h.
func NewMux(h *HTTPSource) *Mux {
	m := &Mux{sources: make(map[string]Source)}
	if h != nil {
		m.Register("http", h)
		m.Register("https", h)
	}
	return m
}

// Register binds scheme to s, replacing any previous binding.
func (m *Mux) Register(scheme string, s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[strings.ToLower(scheme)] = s
}

// Lookup parses rawURL and returns the backend serving its scheme.
func (m *Mux) Lookup(rawURL string) (Source, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	m.mu.RLock()
	s, ok := m.sources[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no source registered for scheme %q", u.Scheme)
	}
	return s, u, nil
}

// Open resolves rawURL and opens it.
func (m *Mux) Open(ctx context.Context, rawURL string) (*Object, error) {
	s, u, err := m.Lookup(rawURL)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, u)
}

// Classify maps a backend or transport error onto the updater's taxonomy.
// Cancellation wins over everything else; net timeouts become ErrTimeout;
// anything not already classified is treated as a retryable network error.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, updateerr.ErrTimeout) || errors.Is(err, updateerr.ErrNetwork) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", updateerr.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", updateerr.ErrNetwork, err)
}

// bucketAndKey splits scheme://bucket/key/with/slashes.
func bucketAndKey(u *url.URL) (string, string, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%s url %q must be %s://<bucket>/<key>", u.Scheme, u.String(), u.Scheme)
	}
	return bucket, key, nil
}
