// Package s3 builds AWS SDK clients for S3-compatible chunk stores.
package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region.
	Region string

	// Endpoint is an optional custom endpoint URL for S3-compatible
	// services such as MinIO or LocalStack.
	Endpoint string

	// UsePathStyle enables path-style addressing. Most self-hosted
	// S3-compatible services need it.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When
	// empty the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates an S3 client.
//
// For MinIO:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:          "us-east-1",
//	    Endpoint:        "http://localhost:9000",
//	    UsePathStyle:    true,
//	    AccessKeyID:     "minioadmin",
//	    SecretAccessKey: "minioadmin",
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}
