package source

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Options configures the b2:// backend.
type B2Options struct {
	AccountID      string
	ApplicationKey string
}

// B2Source serves b2://bucket/object URLs.
type B2Source struct {
	opts B2Options

	mu     sync.Mutex
	client *b2.Client
}

func NewB2Source(opts B2Options) *B2Source {
	return &B2Source{opts: opts}
}

func (b *B2Source) b2Client(ctx context.Context) (*b2.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	if b.opts.AccountID == "" || b.opts.ApplicationKey == "" {
		return nil, fmt.Errorf("b2 source needs an account id and application key")
	}
	client, err := b2.NewClient(ctx, b.opts.AccountID, b.opts.ApplicationKey)
	if err != nil {
		return nil, Classify(ctx, fmt.Errorf("authorize b2 account: %w", err))
	}
	b.client = client
	return client, nil
}

func (b *B2Source) Open(ctx context.Context, u *url.URL) (*Object, error) {
	bucketName, key, err := bucketAndKey(u)
	if err != nil {
		return nil, err
	}
	client, err := b.b2Client(ctx)
	if err != nil {
		return nil, err
	}

	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, Classify(ctx, fmt.Errorf("open b2 bucket %s: %w", bucketName, err))
	}
	obj := bucket.Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, fmt.Errorf("%w: b2://%s/%s", ErrNotFound, bucketName, key)
		}
		return nil, Classify(ctx, err)
	}
	return &Object{Body: obj.NewReader(ctx), Size: attrs.Size}, nil
}
