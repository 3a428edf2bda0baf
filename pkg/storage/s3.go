package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader is the part of manager.Uploader the store uses
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Store struct {
	uploader S3Uploader
	bucket   string
	prefix   string
}

// NewS3Store uploads through the multipart-aware transfer manager
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return NewS3StoreWithUploader(manager.NewUploader(client), bucket, prefix)
}

func NewS3StoreWithUploader(uploader S3Uploader, bucket, prefix string) *S3Store {
	return &S3Store{uploader: uploader, bucket: bucket, prefix: prefix}
}

// NewS3Client builds a client from cfg. A non-empty endpoint switches to
// path-style addressing for S3-compatible stores such as MinIO.
func NewS3Client(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*Object, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s to s3: %w", key, err)
	}
	return &Object{Key: key, URL: out.Location, ContentType: contentType, Size: size}, nil
}
