package modelstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"semgate/internal/config"
	"semgate/internal/domain"
)

var _ Bucket = (*AzureBucket)(nil)

// AzureBucket reads model blobs from an Azure Blob Storage container.
type AzureBucket struct {
	client    *azblob.Client
	container string
}

// NewAzureBucket creates a client for container. Shared-key credentials are
// used when an account key is configured; otherwise the container must allow
// anonymous reads.
func NewAzureBucket(cfg *config.ObjectStoreConfig, container string) (*AzureBucket, error) {
	if cfg.AzureAccountName == "" {
		return nil, fmt.Errorf("AZURE_ACCOUNT_NAME is required for az:// model stores")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccountName)

	var (
		client *azblob.Client
		err    error
	)
	if cfg.AzureAccountKey != "" {
		cred, cerr := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("create shared key credential: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	} else {
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureBucket{client: client, container: container}, nil
}

// List implements Bucket.
func (b *AzureBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list az://%s/%s: %w", b.container, prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

// Get implements Bucket.
func (b *AzureBucket) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, domain.ErrNotFound("az://%s/%s not found", b.container, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get az://%s/%s: %w", b.container, key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read az://%s/%s: %w", b.container, key, err)
	}
	return data, nil
}
