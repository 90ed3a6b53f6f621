// Package s3 archives records to S3 or an S3-compatible store as
// gzip-compressed NDJSON objects.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cef-viewer/internal/config"
)

// Config is the archive bucket configuration with defaults applied.
type Config struct {
	config.ArchiveConfig

	// RetryMaxAttempts is handed to the SDK retryer.
	RetryMaxAttempts int
}

// NewConfig applies defaults to the archive settings. The prefix is
// normalized to end in "/" unless empty.
func NewConfig(app config.ArchiveConfig) *Config {
	if app.Region == "" {
		app.Region = "us-east-1"
	}
	if app.StorageClass == "" {
		app.StorageClass = string(types.StorageClassStandard)
	}
	app.StorageClass = strings.ToUpper(app.StorageClass)
	if p := strings.Trim(app.Prefix, "/"); p != "" {
		app.Prefix = p + "/"
	} else {
		app.Prefix = ""
	}
	return &Config{ArchiveConfig: app, RetryMaxAttempts: 3}
}

// Validate checks the settings needed to reach the bucket.
func (c *Config) Validate() error {
	switch {
	case c.Bucket == "":
		return errors.New("s3: bucket is required")
	case c.Region == "":
		return errors.New("s3: region is required")
	case c.AccessKeyID != "" && c.SecretAccessKey == "":
		return errors.New("s3: access key id given without a secret")
	}
	if !slices.Contains(types.StorageClass("").Values(), types.StorageClass(c.StorageClass)) {
		return fmt.Errorf("s3: unknown storage class %q", c.StorageClass)
	}
	return nil
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// Client reads and writes objects under one bucket prefix. Keys passed to
// and returned from its methods are relative to the prefix.
type Client struct {
	api    objectAPI
	bucket string
	prefix string
	class  types.StorageClass
	logger *slog.Logger

	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
	objects  atomic.Uint64
	failures atomic.Uint64
}

// ClientStats is a snapshot of client counters.
type ClientStats struct {
	ObjectsPut uint64 `json:"objects_put"`
	BytesOut   uint64 `json:"bytes_out"`
	BytesIn    uint64 `json:"bytes_in"`
	Failures   uint64 `json:"failures"`
}

// NewClient loads AWS settings from the environment and cfg. Static keys
// in cfg win over the default credential chain.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 archive client ready", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region)
	return newClient(api, cfg, logger), nil
}

func newClient(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{
		api:    api,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		class:  types.StorageClass(cfg.StorageClass),
		logger: logger,
	}
}

// Object is an upload.
type Object struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// Put stores obj and returns its s3:// URL.
func (c *Client) Put(ctx context.Context, obj Object) (string, error) {
	key := c.prefix + obj.Key
	in := &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(obj.Body),
		StorageClass: c.class,
		Metadata:     obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		in.ContentEncoding = aws.String(obj.ContentEncoding)
	}

	if _, err := c.api.PutObject(ctx, in); err != nil {
		c.failures.Add(1)
		return "", fmt.Errorf("s3: put %s: %w", key, err)
	}
	c.objects.Add(1)
	c.bytesOut.Add(uint64(len(obj.Body)))
	return "s3://" + c.bucket + "/" + key, nil
}

// Get reads a whole object.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	full := c.prefix + key
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("s3: get %s: %w", full, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("s3: read %s: %w", full, err)
	}
	c.bytesIn.Add(uint64(len(data)))
	return data, nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List returns objects whose key starts with prefix. A positive limit caps
// the result.
func (c *Client) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix + prefix),
	}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}

	var out []ObjectInfo
	pages := s3.NewListObjectsV2Paginator(c.api, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			c.failures.Add(1)
			return nil, fmt.Errorf("s3: list %s: %w", c.prefix+prefix, err)
		}
		for _, o := range page.Contents {
			out = append(out, ObjectInfo{
				Key:          strings.TrimPrefix(aws.ToString(o.Key), c.prefix),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

// Reachable reports whether the bucket answers a HEAD request.
func (c *Client) Reachable(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3: bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Stats returns the client counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		ObjectsPut: c.objects.Load(),
		BytesOut:   c.bytesOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		Failures:   c.failures.Load(),
	}
}
