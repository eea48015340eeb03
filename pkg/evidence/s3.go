package evidence

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

// HeadObjectAPI is the slice of the S3 client the locator needs.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config holds configuration for S3Locator.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// S3Locator checks evidence objects with HeadObject.
type S3Locator struct {
	client HeadObjectAPI
	bucket string
	prefix string
}

// NewS3Locator loads the default AWS configuration.
func NewS3Locator(ctx context.Context, cfg S3Config) (*S3Locator, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3LocatorWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3LocatorWithClient uses an existing client.
func NewS3LocatorWithClient(client HeadObjectAPI, bucket, prefix string) *S3Locator {
	return &S3Locator{client: client, bucket: bucket, prefix: prefix}
}

func (l *S3Locator) Exists(ctx context.Context, ref ledger.EvidenceRef) (bool, error) {
	_, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.prefix + ref.StorageKey),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, err
}
