package stream

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver uploads canonical analytics envelopes to object storage.
type Archiver interface {
	Archive(ctx context.Context, env Envelope) (string, error)
}

// S3Archiver writes envelopes to date-partitioned keys:
//
//	s3://<bucket>/<prefix>/analytics/YYYY/MM/DD/<id>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// Archive uploads the canonical envelope bytes and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, env Envelope) (string, error) {
	body, err := env.CanonicalBytes()
	if err != nil {
		return "", err
	}

	ts := env.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	key := path.Join(a.prefix, "analytics",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", env.ID),
	)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
