// Package evidence checks that claim evidence references point at stored
// objects. The ledger only records references; it never reads the bytes.
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

// Locator reports whether the object behind a reference exists.
type Locator interface {
	Exists(ctx context.Context, ref ledger.EvidenceRef) (bool, error)
}

// Verify checks every reference. A missing object is a validation error; a
// locator failure is returned as is so the caller can retry.
func Verify(ctx context.Context, loc Locator, refs []ledger.EvidenceRef) error {
	if loc == nil {
		return nil
	}
	for _, ref := range refs {
		ok, err := loc.Exists(ctx, ref)
		if err != nil {
			return fmt.Errorf("evidence: locate %s: %w", ref.StorageKey, err)
		}
		if !ok {
			return faults.Validation("evidence %s not found in storage", ref.StorageKey)
		}
	}
	return nil
}

// FileLocator resolves storage keys under a root directory.
type FileLocator struct {
	root string
}

// NewFileLocator roots keys at dir.
func NewFileLocator(dir string) *FileLocator {
	return &FileLocator{root: filepath.Clean(dir)}
}

func (l *FileLocator) Exists(_ context.Context, ref ledger.EvidenceRef) (bool, error) {
	p := filepath.Join(l.root, filepath.FromSlash(ref.StorageKey))
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return false, faults.Validation("evidence key %q escapes the evidence root", ref.StorageKey)
	}
	info, err := os.Stat(p)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// Config selects a locator.
type Config struct {
	Kind     string // none, file, s3 or gcs
	Root     string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// gcsFactory is set when the binary is built with the gcp tag.
var gcsFactory func(ctx context.Context, bucket, prefix string) (Locator, error)

// Open builds the locator cfg names. Kind "none" returns a nil Locator,
// which Verify accepts as "do not check".
func Open(ctx context.Context, cfg Config) (Locator, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileLocator(cfg.Root), nil
	case "s3":
		return NewS3Locator(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case "gcs":
		if gcsFactory == nil {
			return nil, fmt.Errorf("evidence: gcs support not compiled in (build with -tags gcp)")
		}
		return gcsFactory(ctx, cfg.Bucket, cfg.Prefix)
	}
	return nil, fmt.Errorf("evidence: unknown locator kind %q", cfg.Kind)
}
