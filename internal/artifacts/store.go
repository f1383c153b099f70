package artifacts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 API the store uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store persists scan reports uploaded by sandboxes
type Store struct {
	client S3API
	bucket string
}

// NewStore creates an artifact store writing to the given bucket
func NewStore(client S3API, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
	}
}

// PutReport stores one scan report and returns its S3 URI
func (s *Store) PutReport(ctx context.Context, scanID string, report []byte) (string, error) {
	key := fmt.Sprintf("reports/%s.json", scanID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(report),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put report %s: %w", scanID, err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
