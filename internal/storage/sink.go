// Package storage persists uploaded originals and processed image outputs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"photoblast/internal/config"
)

// Sink stores processed outputs under a slash separated key and returns where
// the object ended up.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewSink builds the sink selected by cfg.OutputSink.
func NewSink(ctx context.Context, cfg config.Config) (Sink, error) {
	switch cfg.OutputSink {
	case config.SinkLocal, "":
		return NewLocalSink(""), nil
	case config.SinkS3:
		if cfg.ImageS3Bucket == "" {
			return nil, errors.New("output sink s3 requires IMAGE_S3_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Sink{client: client, bucket: cfg.ImageS3Bucket}, nil
	case config.SinkMinio:
		return NewMinioSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown output sink %q", cfg.OutputSink)
	}
}

func cleanKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	return strings.TrimPrefix(key, "./")
}

// LocalSink writes outputs to disk. Relative keys are resolved against baseDir.
type LocalSink struct {
	baseDir string
}

func NewLocalSink(baseDir string) *LocalSink {
	return &LocalSink{baseDir: baseDir}
}

func (l *LocalSink) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Clean(filepath.FromSlash(key))
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.baseDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// S3Sink uploads outputs to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
}

func (s *S3Sink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = cleanKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// MinioSink uploads outputs to a MinIO bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
}

// NewMinioSink connects to MinIO and creates the bucket when it is missing.
func NewMinioSink(ctx context.Context, cfg config.Config) (*MinioSink, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.MinioBucket, err)
		}
	}
	return &MinioSink{client: client, bucket: cfg.MinioBucket}, nil
}

func (m *MinioSink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = cleanKey(key)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("minio://%s/%s", m.bucket, key), nil
}
