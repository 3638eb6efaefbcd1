package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

const DefaultRegion = "us-east-1"

// Options selects the region and, for LocalStack and similar, an endpoint
// that replaces every service endpoint.
type Options struct {
	Region           string
	EndpointOverride string
}

func LoadAWSConfig(ctx context.Context, opts Options) (sdkaws.Config, error) {
	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if opts.EndpointOverride != "" {
		cfg.BaseEndpoint = sdkaws.String(opts.EndpointOverride)
	}

	return cfg, nil
}
