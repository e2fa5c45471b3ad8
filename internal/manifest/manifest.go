// Package manifest talks to the update server: it fetches the release
// manifest for a stream and the patch chain for a single file.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/httputil"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("manifest")

// FallbackBody is the literal response that orders an emergency fallback.
const FallbackBody = "fallback"

const maxResponseSize = 8 << 20

// FileDescriptor identifies one deliverable file at one version.
type FileDescriptor struct {
	Filename    string    `json:"filename"`
	FileVersion int       `json:"file_version"`
	FileHash    string    `json:"file_hash"`
	FileSize    int64     `json:"filesize"`
	Timestamp   Timestamp `json:"timestamp"`
	URLFull     string    `json:"url_full"`
	URLPatch    string    `json:"url_patch"`
	PatchID     *int      `json:"patch_id,omitempty"`
	PatchFrom   *int      `json:"patch_from,omitempty"`
}

// RelPath returns the descriptor's path relative to the install root in
// the host's separator form.
func (fd FileDescriptor) RelPath() string {
	return filepath.FromSlash(fd.Filename)
}

func (fd FileDescriptor) String() string {
	return fmt.Sprintf("%s@%d", fd.Filename, fd.FileVersion)
}

// Manifest is the result of a check request. When Fallback is set the
// server demanded an emergency fallback and Files is empty.
type Manifest struct {
	Files    []FileDescriptor
	Fallback bool
	Raw      string
}

// ProtocolError reports a response the client could not use.
type ProtocolError struct {
	Body string
	Err  error
}

func (e *ProtocolError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %v (body %q)", updateerr.ErrProtocol, e.Err, body)
	}
	return fmt.Sprintf("%v (body %q)", updateerr.ErrProtocol, body)
}

func (e *ProtocolError) Unwrap() []error { return []error{updateerr.ErrProtocol, e.Err} }

// Client issues manifest and patch-chain requests against a base URL.
type Client struct {
	baseURL string
	http    *http.Client
	retry   httputil.RetryConfig
	now     func() time.Time
}

func NewClient(baseURL string, hc *http.Client, retry httputil.RetryConfig) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: hc, retry: retry, now: time.Now}
}

// FetchManifest requests the file list for stream.
func (c *Client) FetchManifest(ctx context.Context, stream string) (*Manifest, error) {
	q := url.Values{}
	q.Set("action", "check")
	q.Set("stream", strings.ToLower(stream))
	q.Set("time", strconv.FormatInt(Ticks(c.now()), 10))

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Raw: string(body)}
	if strings.TrimSpace(string(body)) == FallbackBody {
		log.Warn("server requested an emergency fallback", logging.KeyStream, stream)
		m.Fallback = true
		return m, nil
	}

	files, err := decodeFiles(body)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &ProtocolError{Body: m.Raw, Err: errors.New("update file returned no results")}
	}
	m.Files = files
	log.Debug("manifest received", logging.KeyStream, stream, "files", len(files))
	return m, nil
}

// FetchPatchChain asks for the patches leading from localHash to the
// descriptor's version. A result shorter than two entries means no patch
// path exists.
func (c *Client) FetchPatchChain(ctx context.Context, stream string, target FileDescriptor, localHash string) ([]FileDescriptor, error) {
	q := url.Values{}
	q.Set("action", "patch")
	q.Set("stream", strings.ToLower(stream))
	q.Set("target", strconv.Itoa(target.FileVersion))
	q.Set("existing", localHash)
	q.Set("time", strconv.FormatInt(Ticks(c.now()), 10))

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	return decodeFiles(body)
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse update url: %w", err)
	}
	u.RawQuery = q.Encode()

	resp, err := httputil.Get(ctx, c.http, u.String(), c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
		}
		return nil, fmt.Errorf("%w: read response: %v", updateerr.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Body: string(body), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return body, nil
}

func decodeFiles(body []byte) ([]FileDescriptor, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}
	var files []FileDescriptor
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, &ProtocolError{Body: string(body), Err: err}
	}
	for _, f := range files {
		if err := validName(f.Filename); err != nil {
			return nil, &ProtocolError{Body: string(body), Err: err}
		}
	}
	return files, nil
}

// validName rejects names that would escape the install root.
func validName(name string) error {
	if name == "" {
		return errors.New("descriptor without filename")
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return fmt.Errorf("absolute filename %q", name)
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return fmt.Errorf("filename %q escapes install root", name)
		}
	}
	return nil
}

// ticksAtUnixEpoch is 1970-01-01 in 100ns ticks since 0001-01-01.
const ticksAtUnixEpoch = 621355968000000000

// Ticks returns t as 100-nanosecond intervals since 0001-01-01 UTC.
func Ticks(t time.Time) int64 {
	return ticksAtUnixEpoch + t.UnixNano()/100
}
