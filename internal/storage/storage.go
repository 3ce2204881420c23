// Package storage mirrors committed archive files to object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/timmy/scadarchive/internal/config"
)

// Mirror is an object store receiving copies of archive partitions and the
// validation report.
type Mirror interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
	// EnsureBucket creates the bucket when the backend allows it.
	EnsureBucket(ctx context.Context) error
}

// Type names a storage backend.
type Type string

const (
	TypeR2           Type = "r2"
	TypeS3           Type = "s3"
	TypeS3Compatible Type = "s3compatible"
	TypeMinIO        Type = "minio"
)

// New builds the mirror described by cfg. It returns nil when mirroring is
// disabled.
// Parameters:
//   - cfg: storage section of the configuration.
// Returns:
//   - Mirror: initialized client, or nil when disabled.
//   - error: non-nil if the client cannot be created.
func New(cfg *config.StorageConfig) (Mirror, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}
	typ := Type(strings.ToLower(cfg.Type))
	if typ == "" {
		typ = detectType(cfg.Endpoint)
	}

	var (
		m   Mirror
		err error
	)
	switch typ {
	case TypeMinIO:
		m, err = NewMinIO(&MinIOConfig{
			Endpoint:  normalizeEndpoint(cfg.Endpoint),
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
		})
	case TypeS3, TypeR2, TypeS3Compatible:
		m, err = NewS3(&S3Config{
			Type:      typ,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
		})
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// detectType guesses the backend from the endpoint host.
func detectType(endpoint string) Type {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return TypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return TypeS3
	default:
		return TypeS3Compatible
	}
}

// normalizeEndpoint strips the scheme and any path from endpoint.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint
}
