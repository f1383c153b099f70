package artifacts_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espritsec/scanctl/internal/artifacts"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestStore_PutReport(t *testing.T) {
	ctx := context.Background()

	t.Run("writes the report under a scan-scoped key", func(t *testing.T) {
		client := &fakeS3{}
		store := artifacts.NewStore(client, "esprit-scan-results")

		uri, err := store.PutReport(ctx, "scan_abc", []byte(`{"findings":[]}`))
		require.NoError(t, err)
		assert.Equal(t, "s3://esprit-scan-results/reports/scan_abc.json", uri)

		require.NotNil(t, client.input)
		assert.Equal(t, "esprit-scan-results", aws.ToString(client.input.Bucket))
		assert.Equal(t, "reports/scan_abc.json", aws.ToString(client.input.Key))
		assert.Equal(t, "application/json", aws.ToString(client.input.ContentType))

		body, err := io.ReadAll(client.input.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"findings":[]}`, string(body))
	})

	t.Run("surfaces upload failures", func(t *testing.T) {
		store := artifacts.NewStore(&fakeS3{err: errors.New("no such bucket")}, "missing")

		_, err := store.PutReport(ctx, "scan_abc", []byte("{}"))
		assert.Error(t, err)
	})
}
