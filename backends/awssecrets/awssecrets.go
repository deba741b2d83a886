// Package awssecrets implements embedauth.Store on AWS Secrets Manager.
//
// Each key is stored as one secret named <prefix><key>. Set creates the secret on first
// write and adds a new version afterwards.
package awssecrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/blackwell-systems/embedauth"
)

// secretsAPI is the subset of the Secrets Manager client used by the store.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// Store implements embedauth.Store for AWS Secrets Manager.
type Store struct {
	client secretsAPI

	region   string // AWS region (e.g., us-east-1)
	prefix   string // Secret name prefix (e.g., "embedauth/")
	endpoint string // Custom endpoint URL for LocalStack testing
}

// New creates an AWS Secrets Manager store.
//
// Supported options:
//   - region: AWS region (default: us-east-1)
//   - prefix: Secret name prefix (default: "embedauth/")
//   - endpoint: Custom endpoint URL (for LocalStack testing)
//
// Credentials come from the default AWS chain: environment, shared config or
// instance role.
func New(options map[string]string) (*Store, error) {
	region := options["region"]
	if region == "" {
		region = "us-east-1"
	}

	prefix := options["prefix"]
	if prefix == "" {
		prefix = "embedauth/"
	}

	return &Store{
		region:   region,
		prefix:   prefix,
		endpoint: options["endpoint"],
	}, nil
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return "awssecrets"
}

// Init loads the AWS configuration and verifies connectivity.
func (s *Store) Init(ctx context.Context) error {
	if s.client == nil {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(s.region))
		if err != nil {
			return embedauth.WrapError(s.Name(), "init", "",
				fmt.Errorf("failed to load AWS config: %w", err))
		}

		s.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
			if s.endpoint != "" {
				o.BaseEndpoint = aws.String(s.endpoint)
			}
		})
	}

	_, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return embedauth.WrapError(s.Name(), "init", "",
			fmt.Errorf("failed to connect to AWS Secrets Manager: %w", err))
	}
	return nil
}

// Close releases resources. AWS SDK clients don't require explicit cleanup.
func (s *Store) Close() error {
	return nil
}

// Get returns the current value of the secret for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := embedauth.ValidateKey(key); err != nil {
		return "", err
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName(key)),
	})
	if err != nil {
		return "", s.handleAWSError(err, "get", key)
	}
	return aws.ToString(out.SecretString), nil
}

// Set writes a new version of the secret for key, creating it if needed.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	name := s.secretName(key)
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}
	if err = s.handleAWSError(err, "set", key); !errors.Is(err, embedauth.ErrNotFound) {
		return err
	}

	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Tags: []types.Tag{
			{Key: aws.String("embedauth"), Value: aws.String("true")},
			{Key: aws.String("prefix"), Value: aws.String(s.prefix)},
		},
	})
	if err != nil {
		return s.handleAWSError(err, "create", key)
	}
	return nil
}

// Delete removes the secret for key immediately, without a recovery window.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(s.secretName(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err = s.handleAWSError(err, "delete", key); errors.Is(err, embedauth.ErrNotFound) {
		return nil
	}
	return err
}

// secretName returns the full secret name with prefix applied.
func (s *Store) secretName(key string) string {
	return s.prefix + key
}

// handleAWSError maps AWS SDK errors to embedauth errors.
func (s *Store) handleAWSError(err error, operation, key string) error {
	if err == nil {
		return nil
	}

	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return embedauth.ErrNotFound
	}

	var ire *types.InvalidRequestException
	if errors.As(err, &ire) {
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("invalid request: %w", err))
	}

	// Invalid parameter (could indicate IAM permissions issue)
	var ipe *types.InvalidParameterException
	if errors.As(err, &ipe) {
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("invalid parameter: %w", err))
	}

	return embedauth.WrapError(s.Name(), operation, key, err)
}

func init() {
	embedauth.RegisterStore(embedauth.StoreAWSSecretsManager,
		func(cfg embedauth.StoreConfig) (embedauth.Store, error) {
			return New(cfg.MergedOptions())
		})
}
