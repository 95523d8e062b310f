// Package objectstore persists compiled bundle artifacts. Two drivers: a
// local filesystem store with HMAC-presigned download URLs served by the API
// process, and S3 with natively presigned URLs.
package objectstore

import (
	"context"
	"time"
)

// Store is the artifact storage contract the compiler and bundle service
// program against.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PresignDownload mints a GET URL valid for ttl. Possession of the URL
	// is the only credential a node needs to fetch the artifact.
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
}
