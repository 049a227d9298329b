// Package storage defines the object storage port backing session
// workspaces, and its S3 implementation. Workspace objects are addressed by
// objstore://bucket/key URIs; a URI without a bucket resolves against the
// configured default.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scheme is the URI scheme for workspace objects.
const Scheme = "objstore"

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// IsNotFound reports whether err means a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ParseURI splits an objstore://bucket/key URI. The bucket may be empty
// (objstore:///key or a bare key), in which case the store's default bucket
// applies.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		// Bare keys are accepted for convenience.
		if strings.Contains(uri, "://") {
			return "", "", fmt.Errorf("unsupported uri scheme in %q", uri)
		}
		return "", strings.TrimPrefix(uri, "/"), nil
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" && key == "" {
		return "", "", fmt.Errorf("empty object uri %q", uri)
	}
	return bucket, key, nil
}

// BuildURI assembles an objstore:// URI.
func BuildURI(bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, bucket, strings.TrimPrefix(key, "/"))
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// Store is the object storage port. Bucket creation is implicit on first
// upload.
type Store interface {
	Upload(ctx context.Context, uri string, data []byte, contentType string) error
	Download(ctx context.Context, uri string) ([]byte, error)
	Exists(ctx context.Context, uri string) (bool, error)
	Info(ctx context.Context, uri string) (*ObjectInfo, error)

	// List returns up to limit objects under the prefix. limit <= 0 means
	// no limit.
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	Delete(ctx context.Context, uri string) error

	// DeletePrefix removes every object under the prefix and returns the
	// number deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Presign returns a time-limited GET URL for the object.
	Presign(ctx context.Context, uri string, ttl time.Duration) (string, error)
}
