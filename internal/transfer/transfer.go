// Package transfer downloads update payloads into local files with mirror
// rotation, bounded retries, stall detection, and archive extraction.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/source"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("transfer")

const (
	partSuffix = ".part"
	copyBuffer = 64 * 1024
)

// ProgressFunc receives bytes written so far and the expected total, which
// is -1 when the source did not report a size.
type ProgressFunc func(done, total int64)

// Config controls retry and timeout behavior.
type Config struct {
	Attempts     int
	RetryDelay   time.Duration
	StallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:     4,
		RetryDelay:   1500 * time.Millisecond,
		StallTimeout: 30 * time.Second,
	}
}

// Result describes a completed download.
type Result struct {
	URL      string // URL that finally succeeded, after mirror rotation
	Attempts int
	Size     int64
}

// FetchError is returned once every attempt has failed.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client performs downloads through a source.Mux.
type Client struct {
	cfg     Config
	sources *source.Mux
}

func New(sources *source.Mux, cfg Config) *Client {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Client{cfg: cfg, sources: sources}
}

// Fetch downloads rawURL to dest. The body lands in dest+".part" and is
// renamed over dest only once complete.
//
// Timeouts and network failures are retried up to Attempts times, sleeping
// RetryDelay between tries and rotating the mirror host token each time.
func (c *Client) Fetch(ctx context.Context, rawURL, dest string, onProgress ProgressFunc) (*Result, error) {
	current := rawURL
	var (
		lastErr error
		tried   int
	)

	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
			case <-time.After(c.cfg.RetryDelay):
			}
			next := RotateMirror(current, attempt)
			if next != current {
				log.Info("rotating mirror", "from", current, "to", next, "attempt", attempt)
			}
			current = next
		}

		tried = attempt
		size, err := c.fetchOnce(ctx, current, dest, onProgress)
		if err == nil {
			return &Result{URL: current, Attempts: attempt, Size: size}, nil
		}

		lastErr = err
		if errors.Is(err, updateerr.ErrAborted) {
			return nil, err
		}
		if !updateerr.Retryable(err) {
			break
		}
		log.Warn("transfer attempt failed",
			logging.KeyURL, current,
			"attempt", attempt,
			logging.KeyError, err,
		)
	}

	return nil, &FetchError{URL: current, Attempts: tried, Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, rawURL, dest string, onProgress ProgressFunc) (int64, error) {
	src, u, err := c.sources.Lookup(rawURL)
	if err != nil {
		return 0, err
	}

	part := dest + partSuffix
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(part)
		}
	}()

	var n int64
	if ws, ok := src.(source.WriterAtSource); ok {
		var done int64
		n, err = ws.DownloadTo(ctx, u, f, func(delta int64) {
			done += delta
			if onProgress != nil {
				onProgress(done, -1)
			}
		})
	} else {
		n, err = c.stream(ctx, src, u, f, onProgress)
	}
	if err != nil {
		return 0, err
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		committed = true
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	committed = true
	return n, nil
}

func (c *Client) stream(ctx context.Context, src source.Source, u *url.URL, w io.Writer, onProgress ProgressFunc) (int64, error) {
	obj, err := src.Open(ctx, u)
	if err != nil {
		return 0, err
	}
	body := newStallReader(obj.Body, c.cfg.StallTimeout)
	defer body.Close()

	buf := make([]byte, copyBuffer)
	var written int64
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write payload: %w", werr)
			}
			if onProgress != nil {
				onProgress(written, obj.Size)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if body.Stalled() {
				return written, fmt.Errorf("%w: no data for %s from %s", updateerr.ErrTimeout, c.cfg.StallTimeout, u.Redacted())
			}
			return written, source.Classify(ctx, rerr)
		}
	}

	if obj.Size >= 0 && written != obj.Size {
		return written, fmt.Errorf("%w: short body from %s: got %d of %d bytes", updateerr.ErrNetwork, u.Redacted(), written, obj.Size)
	}
	return written, nil
}

// RotateMirror rewrites the mirror token in the URL host for the given
// attempt: attempt N replaces "m<N-1>." with "m<N>.". URLs without the
// token are returned unchanged.
func RotateMirror(rawURL string, attempt int) string {
	if attempt < 2 {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	from := "m" + strconv.Itoa(attempt-1) + "."
	to := "m" + strconv.Itoa(attempt) + "."

	labels := strings.Split(u.Host, ".")
	for i, label := range labels[:len(labels)-1] {
		if label+"." == from {
			labels[i] = strings.TrimSuffix(to, ".")
			u.Host = strings.Join(labels, ".")
			return u.String()
		}
	}
	return rawURL
}

// ArchiveURL returns the zip-wrapped form of a full payload URL: ".zip"
// is appended to the path unless it already names an archive.
func ArchiveURL(rawURL string) string {
	if IsArchive(rawURL) {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL + ".zip"
	}
	u.Path += ".zip"
	if u.RawPath != "" {
		u.RawPath += ".zip"
	}
	return u.String()
}

// IsArchive reports whether the URL path names a zip archive.
func IsArchive(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.HasSuffix(strings.ToLower(rawURL), ".zip")
	}
	return strings.EqualFold(path.Ext(u.Path), ".zip")
}
