package source

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/httputil"
)

// HTTPSource downloads from the release mirrors.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource builds a source whose requests fail with a timeout when no
// response header arrives within responseTimeout. Body reads carry no
// deadline; stalls are detected by the caller.
func NewHTTPSource(responseTimeout time.Duration) *HTTPSource {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = responseTimeout
	return &HTTPSource{client: &http.Client{Transport: transport}}
}

// NewHTTPSourceWithClient wraps an existing client.
func NewHTTPSourceWithClient(c *http.Client) *HTTPSource {
	return &HTTPSource{client: c}
}

func (h *HTTPSource) Open(ctx context.Context, u *url.URL) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httputil.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Classify(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: u.Redacted()}
	}
	return &Object{Body: resp.Body, Size: resp.ContentLength}, nil
}
