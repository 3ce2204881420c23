package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3-compatible storage.
type S3Config struct {
	Type      Type
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
}

// S3 mirrors archive files to an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	typ    Type
}

// NewS3 creates an S3-compatible mirror. An empty endpoint uses the AWS
// default resolver.
func NewS3(cfg *S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		if cfg.Type == TypeR2 {
			region = "auto"
		} else {
			region = "us-east-1"
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var endpointURL string
	if host := normalizeEndpoint(cfg.Endpoint); host != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpointURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3{client: client, bucket: cfg.Bucket, typ: cfg.Type}, nil
}

// EnsureBucket creates the bucket if it doesn't exist. R2 buckets must be
// created in the dashboard.
func (s *S3) EnsureBucket(ctx context.Context) error {
	if err := s.Ping(ctx); err == nil {
		return nil
	}
	if s.typ == TypeR2 {
		return fmt.Errorf("bucket %s does not exist, create it in the R2 dashboard", s.bucket)
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Ping checks bucket access.
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", s.bucket, err)
	}
	return nil
}

// Upload stores one object.
func (s *S3) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
