package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Connector struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Connector(ctx context.Context) (Connector, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET required when enabling s3 archive")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3Connector{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: os.Getenv("S3_PREFIX"),
	}, nil
}

func (s *s3Connector) Name() string {
	return "s3"
}

func (s *s3Connector) StoreProposal(ctx context.Context, submissionID string, content io.ReadSeeker, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(s.prefix, submissionID)),
		Body:          content,
		ContentLength: aws.Int64(size),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			"submission_id": submissionID,
		},
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", submissionID, err)
	}
	return nil
}
