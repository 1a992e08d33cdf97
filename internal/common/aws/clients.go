package aws

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// EmailAPI is the part of the SES client the notification worker uses.
type EmailAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SMSAPI is the part of the SNS client the notification worker uses.
type SMSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Clients holds the messaging clients. A disabled channel leaves its field
// nil.
type Clients struct {
	SES EmailAPI
	SNS SMSAPI
}

// NewClients loads the default credential chain for region and builds the
// clients for the enabled channels only.
func NewClients(ctx context.Context, region string, sesEnabled, snsEnabled bool) (*Clients, error) {
	out := &Clients{}
	if !sesEnabled && !snsEnabled {
		return out, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	if sesEnabled {
		out.SES = ses.NewFromConfig(cfg)
	}
	if snsEnabled {
		out.SNS = sns.NewFromConfig(cfg)
	}
	return out, nil
}
