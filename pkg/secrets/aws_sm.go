package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// awsSecretsManager implements Provider on AWS Secrets Manager. Bundles are
// stored as JSON string maps, e.g. {"database_url": "...", "amqp_url": "..."}.
type awsSecretsManager struct {
	client *secretsmanager.Client
}

// NewAWSProvider builds a Provider for the given region using the default
// AWS credential chain.
func NewAWSProvider(ctx context.Context, region string) (Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsSecretsManager{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (p *awsSecretsManager) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", name, err)
	}

	// Binary secrets have a nil SecretString; ToString turns that into an
	// empty document, which fails decoding below instead of panicking here.
	bundle := make(map[string]string)
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &bundle); err != nil {
		return nil, fmt.Errorf("decode secret %q: %w", name, err)
	}
	return bundle, nil
}

func (p *awsSecretsManager) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	pager := secretsmanager.NewListSecretsPaginator(p.client, &secretsmanager.ListSecretsInput{
		Filters: []types.Filter{{
			Key:    types.FilterNameStringTypeName,
			Values: []string{prefix},
		}},
		MaxResults: aws.Int32(100),
	})

	var names []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list secrets under %q: %w", prefix, err)
		}
		for _, s := range page.SecretList {
			if s.Name != nil {
				names = append(names, *s.Name)
			}
		}
	}
	return names, nil
}
