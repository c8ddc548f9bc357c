package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"laughingfox/internal/domain"
)

// ssmAPI is the minimal AWS SSM interface required by SSMBootstrap.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMBootstrap reads creds.json from an encrypted SSM parameter.
type SSMBootstrap struct {
	api  ssmAPI
	name string
}

func NewSSMBootstrap(api ssmAPI, name string) (*SSMBootstrap, error) {
	if api == nil {
		return nil, errors.New("credential: ssm api must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("credential: ssm parameter name is required")
	}
	return &SSMBootstrap{api: api, name: name}, nil
}

func (b *SSMBootstrap) Fetch(ctx context.Context) (domain.Credentials, error) {
	out, err := b.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(b.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("credential: get parameter %q: %w", b.name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("%w: parameter %q has no value", ErrSessionNotFound, b.name)
	}
	return decodeCreds([]byte(*out.Parameter.Value))
}

func newSSMClient(ctx context.Context, region string) (*ssm.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("credential: load aws config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}
