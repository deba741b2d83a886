// Package gcpsecrets implements embedauth.Store on Google Cloud Secret Manager.
//
// Each key maps to one secret whose latest version holds the value. Set adds a
// version, creating the secret on first write.
package gcpsecrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/blackwell-systems/embedauth"
)

// Secret IDs allow only letters, digits, underscore and dash.
var idReplacer = strings.NewReplacer("/", "_", ".", "-")

// Store implements embedauth.Store for GCP Secret Manager.
type Store struct {
	client *secretmanager.Client

	projectID string // GCP project ID (required, e.g., "my-project-123")
	prefix    string // Secret ID prefix (e.g., "embedauth-")
	endpoint  string // Custom endpoint for the local mock (optional)
}

// New creates a GCP Secret Manager store.
//
// Supported options:
//   - project_id: GCP project ID (required)
//   - prefix: Secret ID prefix (default: "embedauth-")
//   - endpoint: host:port of a plaintext mock server (optional)
//
// Authentication uses Application Default Credentials unless endpoint is set.
func New(options map[string]string) (*Store, error) {
	projectID := options["project_id"]
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required for GCP Secret Manager")
	}

	prefix := options["prefix"]
	if prefix == "" {
		prefix = "embedauth-"
	}

	return &Store{
		projectID: projectID,
		prefix:    prefix,
		endpoint:  options["endpoint"],
	}, nil
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return "gcpsecrets"
}

// Init creates the client and verifies connectivity with a one-item listing.
func (s *Store) Init(ctx context.Context) error {
	var opts []option.ClientOption
	if s.endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(s.endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return embedauth.WrapError(s.Name(), "init", "",
			fmt.Errorf("failed to initialize GCP client: %w", err))
	}
	s.client = client

	it := client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent:   s.parent(),
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return embedauth.WrapError(s.Name(), "init", "",
			fmt.Errorf("failed to connect to GCP Secret Manager: %w", err))
	}
	return nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Get returns the latest version of the secret for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := embedauth.ValidateKey(key); err != nil {
		return "", err
	}

	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretPath(key) + "/versions/latest",
	})
	if err != nil {
		return "", s.handleGCPError(err, "get", key)
	}
	return string(resp.GetPayload().GetData()), nil
}

// Set adds a new version for key, creating the secret when it does not exist.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	err := s.addVersion(ctx, key, value)
	if !errors.Is(err, embedauth.ErrNotFound) {
		return err
	}

	_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   s.parent(),
		SecretId: s.secretID(key),
		Secret: &secretmanagerpb.Secret{
			Labels: map[string]string{"embedauth": "true"},
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	// A concurrent writer may have created it first.
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return s.handleGCPError(err, "create", key)
	}

	return s.addVersion(ctx, key, value)
}

func (s *Store) addVersion(ctx context.Context, key, value string) error {
	_, err := s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  s.secretPath(key),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	})
	return s.handleGCPError(err, "set", key)
}

// Delete removes the secret for key with all its versions.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	err := s.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: s.secretPath(key),
	})
	if err = s.handleGCPError(err, "delete", key); errors.Is(err, embedauth.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) parent() string {
	return "projects/" + s.projectID
}

// secretID returns the prefixed secret ID for key.
func (s *Store) secretID(key string) string {
	return idReplacer.Replace(s.prefix + key)
}

func (s *Store) secretPath(key string) string {
	return s.parent() + "/secrets/" + s.secretID(key)
}

// handleGCPError maps gRPC status codes to embedauth errors.
func (s *Store) handleGCPError(err error, operation, key string) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return embedauth.WrapError(s.Name(), operation, key, err)
	}

	switch st.Code() {
	case codes.NotFound:
		return embedauth.ErrNotFound

	case codes.PermissionDenied:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("permission denied - check IAM permissions: %w", err))

	case codes.Unauthenticated:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("unauthenticated - check GCP credentials: %w", err))

	default:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("GCP error [%s]: %w", st.Code(), err))
	}
}

func init() {
	embedauth.RegisterStore(embedauth.StoreGCPSecretManager,
		func(cfg embedauth.StoreConfig) (embedauth.Store, error) {
			return New(cfg.MergedOptions())
		})
}
