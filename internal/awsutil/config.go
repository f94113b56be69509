// Package awsutil loads AWS SDK configuration with an optional endpoint
// override for LocalStack or MinIO.
package awsutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Options selects region, endpoint and static credentials.
// Empty credentials fall back to the default provider chain.
type Options struct {
	Region          string
	Endpoint        string // e.g. http://localstack:4566
	AccessKeyID     string
	SecretAccessKey string
}

// Load returns an aws.Config for opts.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	var loaders []func(*awsCfg.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsCfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, awsCfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...any) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
				PartitionID:       "aws",
				SigningRegion:     region,
			}, nil
		})
		loaders = append(loaders, awsCfg.WithEndpointResolverWithOptions(resolver))
	}

	cfg, err := awsCfg.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}
	return cfg, nil
}
