package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "priceflow/config"
	"priceflow/logger"
)

// S3Uploader mirrors exported parquet files to an S3 bucket so downstream
// analytics can read them without touching the pipeline host.
type S3Uploader struct {
	config *appconfig.Config
	client *s3.Client
	log    *logger.Log
}

// NewS3Uploader configures the AWS SDK from the storage settings. Static
// credentials take precedence over the default provider chain when set.
func NewS3Uploader(ctx context.Context, cfg *appconfig.Config) (*S3Uploader, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_uploader").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 uploader initialized")

	return &S3Uploader{config: cfg, client: client, log: log}, nil
}

// Upload puts one object under the configured prefix.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	fullKey := key
	if u.config.Storage.S3.Prefix != "" {
		fullKey = path.Join(u.config.Storage.S3.Prefix, key)
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.config.Storage.S3.Bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/octet-stream"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		u.log.WithComponent("s3_uploader").WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": u.config.Storage.S3.Bucket, "key": fullKey}).
			Error("failed to upload to S3")
		return fmt.Errorf("failed to upload %s: %w", fullKey, err)
	}

	u.log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"key":  fullKey,
		"size": len(data),
	}).Info("object uploaded")
	return nil
}
