package postgres

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/sha256-simd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

const (
	s3Backend           = "s3"
	artifactContentType = "application/vnd.opnet.plugin"
)

// S3API is the subset of the S3 client the artifact store uses
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store keeps artifacts as objects under a bucket prefix. A disabled artifact
// is stored under its .disabled key, mirroring the filesystem layout.
type S3Store struct {
	client  S3API
	bucket  string
	prefix  string
	metrics *observability.Metrics
}

var _ storage.ArtifactStore = (*S3Store)(nil)

// NewS3Client builds an S3 client from config. Static credentials are used when
// set, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg storage.Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

// NewS3Store creates the store and the bucket if it does not exist (for local MinIO)
func NewS3Store(ctx context.Context, client S3API, bucket, prefix string, metrics *observability.Metrics) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if err := createBucketIfNotExists(ctx, client, bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, metrics: metrics}, nil
}

func (s *S3Store) key(fileName string) string {
	return s.prefix + fileName
}

func (s *S3Store) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "S3."+op, trace.WithAttributes(
		attribute.String("s3.operation", op),
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
	))
}

func (s *S3Store) end(span trace.Span, op string, err error) {
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.StorageOp(op, s3Backend, err)
	} else {
		s.metrics.StorageOp(op, s3Backend, nil)
	}
	span.End()
}

// List implements ArtifactStore.List
func (s *S3Store) List(ctx context.Context) (out []storage.ArtifactInfo, err error) {
	ctx, span := s.start(ctx, "ListObjectsV2", s.prefix)
	defer func() { s.end(span, "list", err) }()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, obj := range page.Contents {
			fileName := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if strings.Contains(fileName, "/") {
				continue
			}
			disabled := container.IsDisabledName(fileName)
			name := fileName
			if disabled {
				name = container.EnabledName(fileName)
			}
			if !container.IsArtifactName(name) {
				continue
			}
			out = append(out, storage.ArtifactInfo{
				Name:     name,
				Size:     aws.ToInt64(obj.Size),
				ModTime:  aws.ToTime(obj.LastModified),
				Disabled: disabled,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	span.SetAttributes(attribute.Int("artifacts.count", len(out)))
	return out, nil
}

// Get implements ArtifactStore.Get
func (s *S3Store) Get(ctx context.Context, name string) (data []byte, err error) {
	if err := storage.CheckName(name); err != nil {
		return nil, err
	}
	key := s.key(name)
	ctx, span := s.start(ctx, "GetObject", key)
	defer func() { s.end(span, "get", err) }()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFoundError(err) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))
	return data, nil
}

// Put implements ArtifactStore.Put. The sha256 of the content is stored as object metadata.
func (s *S3Store) Put(ctx context.Context, name string, data []byte) (err error) {
	if err := storage.CheckName(name); err != nil {
		return err
	}
	key := s.key(name)
	ctx, span := s.start(ctx, "PutObject", key)
	defer func() { s.end(span, "put", err) }()

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	span.SetAttributes(
		attribute.Int("content.size", len(data)),
		attribute.String("content.hash", checksum),
	)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(artifactContentType),
		Metadata:    map[string]string{"checksum-sha256": checksum},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to s3: %w", err)
	}
	return nil
}

// Disable implements ArtifactStore.Disable
func (s *S3Store) Disable(ctx context.Context, name string) error {
	if err := storage.CheckName(name); err != nil {
		return err
	}
	return s.move(ctx, "disable", name, name, container.DisabledName(name))
}

// Enable implements ArtifactStore.Enable
func (s *S3Store) Enable(ctx context.Context, name string) error {
	if err := storage.CheckName(name); err != nil {
		return err
	}
	return s.move(ctx, "enable", name, container.DisabledName(name), name)
}

// move copies then deletes; S3 has no rename
func (s *S3Store) move(ctx context.Context, op, name, from, to string) (err error) {
	src, dst := s.key(from), s.key(to)
	ctx, span := s.start(ctx, "CopyObject", dst)
	defer func() { s.end(span, op, err) }()

	exists, err := s.exists(ctx, src)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(s.bucket + "/" + src),
	})
	if err != nil {
		return fmt.Errorf("failed to copy object: %w", err)
	}
	if _, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Delete implements ArtifactStore.Delete
func (s *S3Store) Delete(ctx context.Context, name string) (err error) {
	if err := storage.CheckName(name); err != nil {
		return err
	}
	ctx, span := s.start(ctx, "DeleteObject", s.key(name))
	defer func() { s.end(span, "delete", err) }()

	removed := false
	for _, key := range []string{s.key(name), s.key(container.DisabledName(name))} {
		exists, err := s.exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("failed to delete object: %w", err)
		}
		removed = true
	}
	if !removed {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}
	return nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// HealthCheck verifies S3 connectivity
func (s *S3Store) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func createBucketIfNotExists(ctx context.Context, client S3API, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func isBucketAlreadyExistsError(err error) bool {
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	return errors.As(err, &exists) || errors.As(err, &owned)
}
