// Package r2s3 copies finished audit files to S3-compatible object storage.
package r2s3

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config locates the bucket. Empty keys fall back to the default AWS
// credential chain; an empty region means R2's "auto".
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	HTTPClient *http.Client
}

// ConfigFromEnv reads RW_S3_* variables. It returns false when no bucket
// is configured.
func ConfigFromEnv() (Config, bool) {
	cfg := Config{
		Endpoint:        os.Getenv("RW_S3_ENDPOINT"),
		Bucket:          os.Getenv("RW_S3_BUCKET"),
		Region:          os.Getenv("RW_S3_REGION"),
		AccessKeyID:     os.Getenv("RW_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("RW_S3_SECRET_ACCESS_KEY"),
	}
	return cfg, strings.TrimSpace(cfg.Bucket) != ""
}

type Client struct {
	s3     *s3.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("r2s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("r2s3: access key and secret must be set together")
		}
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("r2s3: load config: %w", err)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Client{s3: client, bucket: bucket}, nil
}

// PutFile uploads localPath as objectKey.
func (c *Client) PutFile(ctx context.Context, objectKey, localPath string) error {
	key := strings.TrimLeft(strings.ReplaceAll(objectKey, "\\", "/"), "/")
	if key == "" {
		return fmt.Errorf("r2s3: empty object key")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("r2s3: put %s: %w", key, err)
	}
	return nil
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".zst") {
		return "application/zstd"
	}
	return "application/octet-stream"
}
