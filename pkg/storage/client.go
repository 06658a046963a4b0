package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client ObjectAPI
	bucket   string
}

// NewClient creates a new S3 client for anonymous access.
//
// SDK-level retries are disabled: the artifact fetcher owns the retry policy
// and needs to see every failed attempt.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
		config.WithRetryMaxAttempts(1),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "bucket", bucket)

	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket), nil
}

// NewClientWithAPI wraps an existing S3 API implementation.
func NewClientWithAPI(api ObjectAPI, bucket string) *Client {
	return &Client{s3Client: api, bucket: bucket}
}

// Object is a downloaded object held in memory.
type Object struct {
	Body        []byte
	ContentType string
	SHA256      string
	Size        int64
}

// Get downloads an object into memory, reading at most maxSize+1 bytes so
// callers can detect oversized objects.
//
// A missing key is reported as errors.ErrNotFound and an HTTP failure as
// *errors.StatusError; anything else is returned as a transport error.
func (c *Client) Get(ctx context.Context, key string, maxSize int64) (*Object, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, c.classify(key, err)
	}
	defer result.Body.Close()

	hash := sha256.New()
	var body bytes.Buffer
	writer := io.MultiWriter(&body, hash)

	size, err := io.Copy(writer, io.LimitReader(result.Body, maxSize+1))
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size", humanize.IBytes(uint64(size)),
		"sha256", checksum[:16]+"...",
	)

	return &Object{
		Body:        body.Bytes(),
		ContentType: aws.ToString(result.ContentType),
		SHA256:      checksum,
		Size:        size,
	}, nil
}

func (c *Client) classify(key string, err error) error {
	uri := fmt.Sprintf("s3://%s/%s", c.bucket, key)

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", errors.ErrNotFound, uri)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: %s", errors.ErrNotFound, uri)
		}
		return &errors.StatusError{Code: respErr.HTTPStatusCode(), URL: uri}
	}

	return errors.Wrap(err, "failed to get object from S3")
}
