package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"semgate/internal/config"
	"semgate/internal/domain"
)

var _ Bucket = (*S3Bucket)(nil)

// S3Bucket reads model objects from AWS S3 or an S3-compatible service.
type S3Bucket struct {
	client *s3.Client
	bucket string
}

// NewS3Bucket creates a client for bucket. A custom endpoint selects an
// S3-compatible service; path-style addressing is used unless the URL style
// is "vhost". Without credentials requests are sent anonymously.
func NewS3Bucket(cfg *config.ObjectStoreConfig, bucket string) *S3Bucket {
	opts := s3.Options{
		Region:       "us-east-1",
		Credentials:  aws.AnonymousCredentials{},
		UsePathStyle: cfg.S3URLStyle != "vhost",
	}
	if cfg.S3Region != nil {
		opts.Region = *cfg.S3Region
	}
	if cfg.HasS3Credentials() {
		opts.Credentials = credentials.NewStaticCredentialsProvider(*cfg.S3KeyID, *cfg.S3Secret, "")
	}
	if cfg.S3Endpoint != nil {
		opts.BaseEndpoint = aws.String(endpointURL(*cfg.S3Endpoint))
	}
	return &S3Bucket{client: s3.New(opts), bucket: bucket}
}

// List implements Bucket.
func (b *S3Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", b.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Get implements Bucket.
func (b *S3Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrNotFound("s3://%s/%s not found", b.bucket, key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}
