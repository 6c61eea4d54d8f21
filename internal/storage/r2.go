package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appcfg "github.com/jorgepascosoto/resumable-db-dump/internal/config"
	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
)

// R2Client talks to Cloudflare R2 (or any S3-compatible endpoint). It serves
// both as a progress record backend and as the destination of published dumps.
type R2Client struct {
	client *s3.Client
	bucket string
	prefix string
}

type DumpObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

func NewR2Client(ctx context.Context, cfg *appcfg.Config, prefix string) (*R2Client, error) {
	// Use the standard AWS configuration with custom endpoint
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.R2AccessKeyID,
			cfg.R2SecretAccessKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.R2Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID)
	}

	// Create S3 client with R2 endpoint
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		// R2 rejects the default streaming checksums on uploads
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &R2Client{
		client: client,
		bucket: cfg.R2BucketName,
		prefix: prefix,
	}, nil
}

func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader) error {
	fullKey := c.prefix + key

	// Use the upload manager for better retry handling and large file support
	uploader := manager.NewUploader(c.client)

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
		Body:   body,
	})
	if err != nil {
		return errors.NewStorageError("upload", c.bucket, fullKey, fmt.Errorf("%w: %v", errors.ErrUploadFailed, err))
	}

	return nil
}

// Get reads a small object under the client prefix fully into memory.
func (c *R2Client) Get(ctx context.Context, key string) ([]byte, error) {
	fullKey := c.prefix + key

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NewStorageError("get", c.bucket, fullKey, errors.ErrNotFound)
		}
		return nil, errors.NewStorageError("get", c.bucket, fullKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.NewStorageError("get", c.bucket, fullKey, err)
	}
	return data, nil
}

// Put writes an object in a single request; S3 never exposes a partial object.
func (c *R2Client) Put(ctx context.Context, key string, data []byte) error {
	fullKey := c.prefix + key

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return errors.NewStorageError("put", c.bucket, fullKey, err)
	}
	return nil
}

func (c *R2Client) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := c.prefix + key

	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.NewStorageError("head", c.bucket, fullKey, err)
	}
	return true, nil
}

// Delete removes an object by its key relative to the client prefix.
func (c *R2Client) Delete(ctx context.Context, key string) error {
	fullKey := c.prefix + key

	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil && !isNotFound(err) {
		return errors.NewStorageError("delete", c.bucket, fullKey, err)
	}

	return nil
}

// ListDumps returns the dump artifacts under the prefix, newest first. Other
// objects, such as a progress record, are skipped. Keys are relative to the
// prefix so they can be passed back to Delete.
func (c *R2Client) ListDumps(ctx context.Context) ([]DumpObject, error) {
	var dumps []DumpObject

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.NewStorageError("list", c.bucket, c.prefix, err)
		}

		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), c.prefix)
			if !isDumpKey(key) {
				continue
			}
			dumps = append(dumps, DumpObject{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	// Sort by last modified (newest first)
	sort.Slice(dumps, func(i, j int) bool {
		return dumps[i].LastModified.After(dumps[j].LastModified)
	})

	return dumps, nil
}

func (c *R2Client) Bucket() string {
	return c.bucket
}

func (c *R2Client) Prefix() string {
	return c.prefix
}

func isDumpKey(key string) bool {
	return strings.HasPrefix(key, "backup-") && strings.HasSuffix(key, ".sql") && !strings.Contains(key, "/")
}

func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
