package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOptions configures the gs:// backend.
type GCSOptions struct {
	Endpoint        string
	CredentialsFile string
	// Anonymous reads public buckets without credentials.
	Anonymous bool
}

// GCSSource serves gs://bucket/object URLs.
type GCSSource struct {
	opts GCSOptions

	mu     sync.Mutex
	client *storage.Client
}

func NewGCSSource(opts GCSOptions) *GCSSource {
	return &GCSSource{opts: opts}
}

func (g *GCSSource) storageClient(ctx context.Context) (*storage.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	var opts []option.ClientOption
	if g.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.opts.Endpoint))
	}
	switch {
	case g.opts.Anonymous:
		opts = append(opts, option.WithoutAuthentication())
	case g.opts.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(g.opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *GCSSource) Open(ctx context.Context, u *url.URL) (*Object, error) {
	bucket, key, err := bucketAndKey(u)
	if err != nil {
		return nil, err
	}
	client, err := g.storageClient(ctx)
	if err != nil {
		return nil, err
	}

	r, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, bucket, key)
		}
		return nil, Classify(ctx, err)
	}
	return &Object{Body: r, Size: r.Attrs.Size}, nil
}

// Close releases the underlying client.
func (g *GCSSource) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}
