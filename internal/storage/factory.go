package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/hcloud/hcloud/internal/config"
	"github.com/hcloud/hcloud/internal/storage/local"
	s3backend "github.com/hcloud/hcloud/internal/storage/s3"
)

// NewBackend creates the blob backend selected by cfg.BlobBackend.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.BlobBackend {
	case "s3":
		endpoint := cfg.S3Endpoint
		if endpoint != "" && !strings.Contains(endpoint, "://") {
			scheme := "http://"
			if cfg.S3UseSSL {
				scheme = "https://"
			}
			endpoint = scheme + endpoint
		}
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	case "local":
		return local.New(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown blob backend: %s", cfg.BlobBackend)
	}
}
