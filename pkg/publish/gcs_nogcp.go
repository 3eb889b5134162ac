//go:build !gcp

package publish

import (
	"context"
	"fmt"
)

func newGCSBackend(ctx context.Context, cfg Config) (Backend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
