package artifact

import (
	"context"
	"fmt"
	"strings"
)

// Destination is a parsed artifact destination.
type Destination struct {
	Kind   Kind
	Dir    string // KindFile
	Bucket string // KindS3
	Prefix string // KindS3
}

// ParseDestination parses "s3://bucket/prefix", "file:/path" or a plain
// directory path.
func ParseDestination(dest string) (Destination, error) {
	dest = strings.TrimSpace(dest)
	switch {
	case dest == "":
		return Destination{}, fmt.Errorf("destination is required")
	case strings.HasPrefix(dest, "s3://"):
		rest := strings.TrimPrefix(dest, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Destination{}, fmt.Errorf("invalid s3 destination %q: bucket is required", dest)
		}
		return Destination{Kind: KindS3, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	case strings.HasPrefix(dest, "file:"):
		dir := strings.TrimPrefix(strings.TrimPrefix(dest, "file:"), "//")
		if dir == "" {
			return Destination{}, fmt.Errorf("invalid file destination %q", dest)
		}
		return Destination{Kind: KindFile, Dir: dir}, nil
	case strings.Contains(dest, "://"):
		return Destination{}, fmt.Errorf("unsupported destination scheme %q", dest)
	default:
		return Destination{Kind: KindFile, Dir: dest}, nil
	}
}

// Open returns the sink for dest. s3cfg carries connection settings for S3
// destinations; its Bucket and Prefix are taken from dest.
func Open(ctx context.Context, dest string, s3cfg S3Config) (Sink, error) {
	d, err := ParseDestination(dest)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindS3:
		s3cfg.Bucket = d.Bucket
		s3cfg.Prefix = d.Prefix
		return NewS3Sink(ctx, s3cfg)
	default:
		return NewFileSink(d.Dir)
	}
}
