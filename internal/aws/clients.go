package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Need selects the service clients NewClients builds.
type Need struct {
	DynamoDB   bool // queue tables and the processed-message ledger
	SQS        bool // order event publishing
	CloudWatch bool // queue metrics
}

// Clients holds the requested service clients. Clients nobody asked for stay nil.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewClients loads one AWS config and builds the clients in need from it.
// A postgres store on NATS or Kafka without metrics needs none, and then the
// credential chain is never consulted.
func NewClients(ctx context.Context, opts Options, need Need) (*Clients, error) {
	c := &Clients{}
	if need == (Need{}) {
		return c, nil
	}

	cfg, err := LoadAWSConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	if need.DynamoDB {
		c.DynamoDB = dynamodb.NewFromConfig(cfg)
	}
	if need.SQS {
		c.SQS = sqs.NewFromConfig(cfg)
	}
	if need.CloudWatch {
		c.CloudWatch = cloudwatch.NewFromConfig(cfg)
	}
	return c, nil
}
