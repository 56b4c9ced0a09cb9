package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/i474232898/meteo-dashboard/internal/station"
)

// maxObjectSize bounds a single reading body. Station objects are a few
// hundred bytes.
const maxObjectSize = 1 << 20

// API is the subset of the S3 client the adapter calls.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads station objects from one bucket.
type S3 struct {
	api    API
	bucket string
}

func NewS3(api API, bucket string) *S3 {
	return &S3{api: api, bucket: bucket}
}

// NewS3ForCredentials builds a client whose requests are signed with the
// given provider, typically the per-identity credentials of a signed-in user.
func NewS3ForCredentials(cfg aws.Config, creds aws.CredentialsProvider, bucket string) *S3 {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Credentials = creds
	})
	return NewS3(client, bucket)
}

// List returns every object under prefix, following continuation tokens.
func (s *S3) List(ctx context.Context, prefix string) ([]station.Object, error) {
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []station.Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := station.Object{Key: *obj.Key}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}
	}
	return out, nil
}

// Get returns the body of one object.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return body, nil
}
