package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"semgate/internal/config"
	"semgate/internal/domain"
)

var _ Bucket = (*GCSBucket)(nil)

// GCSBucket reads model objects from Google Cloud Storage.
type GCSBucket struct {
	client *storage.Client
	bucket string
}

// NewGCSBucket creates a client for bucket. A service account key file is
// used when configured, otherwise application default credentials.
func NewGCSBucket(ctx context.Context, cfg *config.ObjectStoreConfig, bucket string) (*GCSBucket, error) {
	var opts []option.ClientOption
	if cfg.GCSKeyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSKeyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSBucket{client: client, bucket: bucket}, nil
}

// List implements Bucket.
func (b *GCSBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", b.bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
}

// Get implements Bucket.
func (b *GCSBucket) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, domain.ErrNotFound("gs://%s/%s not found", b.bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", b.bucket, key, err)
	}
	defer r.Close() //nolint:errcheck
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}

// Close releases the client.
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
