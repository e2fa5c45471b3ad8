package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures the s3:// backend. Empty credentials fall back to
// the default AWS credential chain.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
	PartSize        int64
	Concurrency     int
}

// S3Source serves s3://bucket/key URLs.
type S3Source struct {
	opts S3Options

	mu     sync.Mutex
	client *s3.Client
}

func NewS3Source(opts S3Options) *S3Source {
	return &S3Source{opts: opts}
}

func (s *S3Source) s3Client(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if s.opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s.opts.Region))
	}
	if s.opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.opts.AccessKeyID, s.opts.SecretAccessKey, s.opts.SessionToken),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = s.opts.PathStyle
		if s.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.opts.Endpoint)
		}
	})
	log.Debug("s3 client ready", "region", cfg.Region, "endpoint", s.opts.Endpoint)
	return s.client, nil
}

func (s *S3Source) Open(ctx context.Context, u *url.URL) (*Object, error) {
	bucket, key, err := bucketAndKey(u)
	if err != nil {
		return nil, err
	}
	client, err := s.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, Classify(ctx, s3NotFound(err))
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Object{Body: out.Body, Size: size}, nil
}

// DownloadTo fetches the object with concurrent ranged GETs.
func (s *S3Source) DownloadTo(ctx context.Context, u *url.URL, w io.WriterAt, progress func(n int64)) (int64, error) {
	bucket, key, err := bucketAndKey(u)
	if err != nil {
		return 0, err
	}
	client, err := s.s3Client(ctx)
	if err != nil {
		return 0, err
	}

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if s.opts.PartSize > 0 {
			d.PartSize = s.opts.PartSize
		}
		if s.opts.Concurrency > 0 {
			d.Concurrency = s.opts.Concurrency
		}
	})
	n, err := downloader.Download(ctx, &countingWriterAt{w: w, progress: progress}, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, Classify(ctx, s3NotFound(err))
	}
	return n, nil
}

func s3NotFound(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

type countingWriterAt struct {
	w        io.WriterAt
	mu       sync.Mutex
	progress func(n int64)
}

func (c *countingWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.w.WriteAt(p, off)
	if c.progress != nil && n > 0 {
		c.mu.Lock()
		c.progress(int64(n))
		c.mu.Unlock()
	}
	return n, err
}
