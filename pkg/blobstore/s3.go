package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cratery/registry/pkg/regerrors"
)

// multipartThreshold is the largest object size sent as a single PUT; larger
// objects are split into parts so a single connection hiccup doesn't require
// re-uploading the whole object.
const multipartThreshold = 16 << 20 // 16 MiB

// minPartSize is the smallest part size S3 accepts for any part but the last.
const minPartSize = 5 << 20 // 5 MiB

// S3Store stores blobs in an S3-compatible bucket (AWS S3, MinIO, etc).
type S3Store struct {
	client  *s3.Client
	bucket  string
	timeout time.Duration
	rec     opRecorder
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	Timeout        time.Duration
}

// NewS3Store builds a client from cfg, creating the bucket if it does not
// already exist (so local MinIO deployments don't need a provisioning step).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	store := &S3Store{client: client, bucket: cfg.Bucket, timeout: cfg.Timeout, rec: newOpRecorder("s3")}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil && !isAlreadyOwned(err) {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "create bucket", err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "put", start, int64(len(data)), err) }()

	if len(data) > multipartThreshold {
		return s.putMultipart(ctx, key, data)
	}

	hash := sha256.Sum256(data)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "put object", err)
	}
	return nil
}

func (s *S3Store) putMultipart(ctx context.Context, key string, data []byte) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "create multipart upload", err)
	}
	uploadID := created.UploadId

	abort := func() {
		s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(s.bucket), Key: aws.String(key), UploadId: uploadID,
		})
	}

	var parts []types.CompletedPart
	partNumber := int32(1)
	for offset := 0; offset < len(data); offset += minPartSize {
		end := offset + minPartSize
		if end > len(data) {
			end = len(data)
		}
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data[offset:end]),
		})
		if err != nil {
			abort()
			return regerrors.Wrap(regerrors.KindStorageUnavailable, "upload part", err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		partNumber++
	}

	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		abort()
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "complete multipart upload", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (data []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "get", start, int64(len(data)), err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, regerrors.New(regerrors.KindNotFound, "blob not found")
		}
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "get object", err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "read object body", err)
	}
	data = buf.Bytes()
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "delete", start, 0, err) }()

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete object", err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "exists", start, 0, err) }()

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, regerrors.Wrap(regerrors.KindStorageUnavailable, "head object", err)
	}
	return true, nil
}

// Ping satisfies observability.Pinger by confirming the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "bucket unreachable", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func isAlreadyOwned(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}
