package publish

import (
	"context"
	"fmt"
	"path/filepath"
)

// StorageType selects the blob backend.
type StorageType string

const (
	StorageFS  StorageType = "fs"
	StorageS3  StorageType = "s3"
	StorageGCS StorageType = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       StorageType
	DataDir    string
	Path       string // overrides DataDir/credentials for fs
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string
	Prefix     string
}

// NewBackend builds the backend named by cfg.Type. fs is the default.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", StorageFS:
		dir := cfg.Path
		if dir == "" {
			dataDir := cfg.DataDir
			if dataDir == "" {
				dataDir = "data"
			}
			dir = filepath.Join(dataDir, "credentials")
		}
		return NewFileBackend(dir)
	case StorageS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Backend(ctx, S3Config{Bucket: cfg.S3Bucket, Region: region, Endpoint: cfg.S3Endpoint, Prefix: cfg.Prefix})
	case StorageGCS:
		return newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported credential storage type: %s", cfg.Type)
	}
}
