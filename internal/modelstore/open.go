package modelstore

import (
	"context"
	"fmt"
	"strings"

	"semgate/internal/config"
	"semgate/internal/domain"
)

// Open returns the store named by a file://, s3://, gs:// or az:// URI.
// sqlite:// stores live in the repository package and are opened by the
// caller.
func Open(ctx context.Context, raw string, cfg *config.ObjectStoreConfig) (domain.ModelStore, error) {
	if dir, ok := strings.CutPrefix(raw, "file://"); ok {
		return NewDirStore(dir)
	}
	if !strings.Contains(raw, "://") {
		return NewDirStore(raw)
	}
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	var b Bucket
	switch loc.Scheme {
	case "s3":
		b = NewS3Bucket(cfg, loc.Bucket)
	case "gs":
		b, err = NewGCSBucket(ctx, cfg, loc.Bucket)
	case "az":
		b, err = NewAzureBucket(cfg, loc.Bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("open model store %q: %w", raw, err)
	}
	return NewBucketStore(b, loc.Prefix), nil
}

// endpointURL adds an https scheme to a bare host:port endpoint.
func endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
