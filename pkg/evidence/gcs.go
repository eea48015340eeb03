//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

// GCSLocator checks evidence objects by reading their attributes.
type GCSLocator struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSLocator uses application default credentials.
func NewGCSLocator(ctx context.Context, bucket, prefix string) (*GCSLocator, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSLocator{client: client, bucket: bucket, prefix: prefix}, nil
}

func (l *GCSLocator) Exists(ctx context.Context, ref ledger.EvidenceRef) (bool, error) {
	_, err := l.client.Bucket(l.bucket).Object(l.prefix + ref.StorageKey).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Close releases the client.
func (l *GCSLocator) Close() error {
	return l.client.Close()
}

func init() {
	gcsFactory = func(ctx context.Context, bucket, prefix string) (Locator, error) {
		return NewGCSLocator(ctx, bucket, prefix)
	}
}
