// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretResolver resolves an API key reference into the key itself.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// AWSSecretResolver resolves secrets from AWS Secrets Manager. Used in
// deployments where provider API keys are stored by ARN rather than in
// the config file.
type AWSSecretResolver struct {
	client *secretsmanager.Client
}

// NewAWSSecretResolver builds a resolver using the default AWS
// credential chain.
func NewAWSSecretResolver(ctx context.Context, region string) (*AWSSecretResolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for secrets manager: %w", err)
	}
	return &AWSSecretResolver{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Resolve fetches the secret string for the given ARN.
func (r *AWSSecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve secret %s: %w", ref, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", ref)
	}
	return *out.SecretString, nil
}

// StaticSecretResolver serves secrets from a fixed map. Test helper and
// local-development resolver.
type StaticSecretResolver map[string]string

// Resolve returns the mapped value for ref.
func (r StaticSecretResolver) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := r[ref]
	if !ok {
		return "", fmt.Errorf("secret %s not found", ref)
	}
	return v, nil
}
