package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tendant/simple-docworker/internal/process"
)

type S3Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	Bucket          string
	CacheDir        string
	DownloadTimeout time.Duration
}

// ObjectAPI is the part of the S3 client the resolver uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Resolver stores uploads in an S3-compatible bucket (MinIO included) and
// downloads them into a local cache on demand.
type S3Resolver struct {
	client ObjectAPI
	bucket string
	cache  cache
}

func NewS3Resolver(ctx context.Context, cfg S3Config) (*S3Resolver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return NewS3ResolverWithClient(client, cfg), nil
}

func NewS3ResolverWithClient(client ObjectAPI, cfg S3Config) *S3Resolver {
	return &S3Resolver{
		client: client,
		bucket: cfg.Bucket,
		cache:  cache{dir: cfg.CacheDir, timeout: cfg.DownloadTimeout},
	}
}

func (r *S3Resolver) Name() string { return "s3" }

func (r *S3Resolver) Resolve(ctx context.Context, job *process.Job) (string, error) {
	p, err := r.cache.materialize(ctx, job, func(ctx context.Context) (io.ReadCloser, error) {
		return r.Open(ctx, job.SourceRef)
	})
	if err != nil {
		return "", unavailable(err, job)
	}
	return p, nil
}

func (r *S3Resolver) Put(ctx context.Context, jobID, fileName string, src io.Reader, contentType string) (string, error) {
	key := path.Join("documents", jobID, SanitizeFileName(fileName))

	// PutObject needs a seekable body to sign the payload.
	body, ok := src.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(src)
		if err != nil {
			return "", fmt.Errorf("buffer upload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := r.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

func (r *S3Resolver) Open(ctx context.Context, sourceRef string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(strings.TrimPrefix(sourceRef, "/")),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("object %s not found: %w", sourceRef, err)
		}
		return nil, fmt.Errorf("get object %s: %w", sourceRef, err)
	}
	return out.Body, nil
}
