package modelstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"semgate/internal/domain"
)

var _ domain.ModelStore = (*BucketStore)(nil)

// Bucket is the minimal object storage surface a BucketStore needs.
// Implementations: S3Bucket, GCSBucket, AzureBucket.
type Bucket interface {
	// List returns the keys of every object under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get returns an object's content, or a *domain.NotFoundError.
	Get(ctx context.Context, key string) ([]byte, error)
}

// BucketStore serves one model per <prefix>/<name>.yaml object. Objects in
// nested "directories" below the prefix are ignored.
type BucketStore struct {
	bucket Bucket
	prefix string
}

// NewBucketStore returns a store over the objects of b under prefix.
func NewBucketStore(b Bucket, prefix string) *BucketStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &BucketStore{bucket: b, prefix: prefix}
}

// Close releases the bucket client when it holds one.
func (s *BucketStore) Close() error {
	if c, ok := s.bucket.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ListModels implements domain.ModelStore.
func (s *BucketStore) ListModels(ctx context.Context) ([]string, error) {
	keys, err := s.bucket.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	seen := make(map[string]bool, len(keys))
	var names []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, s.prefix)
		if (s.prefix != "" && rest == key) || strings.Contains(rest, "/") {
			continue
		}
		name, ok := modelName(rest)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetModel implements domain.ModelStore.
func (s *BucketStore) GetModel(ctx context.Context, name string) (*domain.SemanticModel, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		key := s.prefix + path.Base(name) + ext
		data, err := s.bucket.Get(ctx, key)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get model %q: %w", name, err)
		}
		m, err := DecodeBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return m, nil
	}
	return nil, domain.ErrNotFound("semantic model %q not found", name)
}

// Location is a parsed bucket URI such as s3://bucket/prefix.
type Location struct {
	Scheme string // s3, gs or az
	Bucket string // bucket or container name
	Prefix string
}

// ParseLocation parses an s3://, gs:// or az:// URI.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse model store %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3", "gs", "az":
	default:
		return Location{}, fmt.Errorf("model store %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("model store %q: missing bucket name", raw)
	}
	return Location{Scheme: u.Scheme, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}
