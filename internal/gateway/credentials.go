package gateway

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/koustreak/schemagate/internal/errs"
)

// LoadCredentials returns the credential provider for cfg. Static keys win;
// otherwise the default chain (environment, shared config, container and
// instance roles) is used.
func LoadCredentials(ctx context.Context, cfg Config) (aws.CredentialsProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindTransportFailure, "gateway: load AWS config", err)
	}
	if awsCfg.Credentials == nil {
		return nil, errs.New(errs.ErrKindTransportFailure, "gateway: no AWS credentials available")
	}
	return awsCfg.Credentials, nil
}
