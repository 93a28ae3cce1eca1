package artifacts

import (
	"context"
	"fmt"
)

// StoreType represents the type of document storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional object prefix
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type    StoreType
	BaseDir string // fs only
	S3      S3StoreConfig
	GCS     GCSStoreConfig
}

// NewStoreFromConfig creates the configured document store. An empty type
// means the filesystem store.
func NewStoreFromConfig(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		if cfg.BaseDir == "" {
			return nil, fmt.Errorf("intake directory is required for filesystem storage")
		}
		return NewFileStore(cfg.BaseDir)
	case StoreTypeS3:
		s3cfg := cfg.S3
		if s3cfg.Region == "" {
			s3cfg.Region = "us-east-1"
		}
		return NewS3Store(ctx, s3cfg)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
