package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureOptions configures the azblob:// backend. ConnectionString wins over
// ServiceURL; a SAS token is appended to ServiceURL as its query.
type AzureOptions struct {
	ConnectionString string
	ServiceURL       string
	SASToken         string
}

// AzureSource serves azblob://container/blob URLs.
type AzureSource struct {
	opts AzureOptions

	mu     sync.Mutex
	client *azblob.Client
}

func NewAzureSource(opts AzureOptions) *AzureSource {
	return &AzureSource{opts: opts}
}

func (a *AzureSource) blobClient() (*azblob.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case a.opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(a.opts.ConnectionString, nil)
	case a.opts.ServiceURL != "":
		serviceURL := a.opts.ServiceURL
		if a.opts.SASToken != "" {
			serviceURL = strings.TrimSuffix(serviceURL, "/") + "/?" + strings.TrimPrefix(a.opts.SASToken, "?")
		}
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	default:
		return nil, fmt.Errorf("azblob source needs a connection string or service url")
	}
	if err != nil {
		return nil, fmt.Errorf("create azblob client: %w", err)
	}
	a.client = client
	return client, nil
}

func (a *AzureSource) Open(ctx context.Context, u *url.URL) (*Object, error) {
	container, blob, err := bucketAndKey(u)
	if err != nil {
		return nil, err
	}
	client, err := a.blobClient()
	if err != nil {
		return nil, err
	}

	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: azblob://%s/%s", ErrNotFound, container, blob)
		}
		return nil, Classify(ctx, err)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &Object{Body: resp.Body, Size: size}, nil
}
