// Package azurekeyvault implements embedauth.Store on Azure Key Vault.
//
// Key Vault secret names allow only letters, digits and dashes, so keys are
// normalized before use. Every Set creates a new secret version.
package azurekeyvault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/blackwell-systems/embedauth"
)

var nameReplacer = strings.NewReplacer("_", "-", ".", "-", "/", "-")

// secretsAPI is the subset of azsecrets.Client used by the store.
type secretsAPI interface {
	GetSecret(ctx context.Context, name, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
	NewListSecretPropertiesPager(options *azsecrets.ListSecretPropertiesOptions) *runtime.Pager[azsecrets.ListSecretPropertiesResponse]
}

// Store implements embedauth.Store for Azure Key Vault.
type Store struct {
	client secretsAPI

	vaultURL string // e.g. "https://myvault.vault.azure.net/"
	prefix   string // Secret name prefix (e.g., "embedauth-")

	// Service principal credentials; DefaultAzureCredential is used when unset.
	tenantID     string
	clientID     string
	clientSecret string
}

// New creates an Azure Key Vault store.
//
// Supported options:
//   - vault_url: Key Vault URL (required, e.g., "https://myvault.vault.azure.net/")
//   - prefix: Secret name prefix (default: "embedauth-")
//   - tenant_id, client_id, client_secret: service principal credentials (optional)
//
// Without a service principal, DefaultAzureCredential tries environment variables,
// managed identity and the Azure CLI in order.
func New(options map[string]string) (*Store, error) {
	vaultURL := options["vault_url"]
	if vaultURL == "" {
		return nil, fmt.Errorf("vault_url is required for Azure Key Vault")
	}
	if !strings.HasPrefix(vaultURL, "https://") || !strings.HasSuffix(vaultURL, ".vault.azure.net/") {
		return nil, fmt.Errorf("vault_url must be in format: https://<vault-name>.vault.azure.net/")
	}

	prefix := options["prefix"]
	if prefix == "" {
		prefix = "embedauth-"
	}

	s := &Store{
		vaultURL:     vaultURL,
		prefix:       prefix,
		tenantID:     options["tenant_id"],
		clientID:     options["client_id"],
		clientSecret: options["client_secret"],
	}
	if s.clientSecret != "" && (s.tenantID == "" || s.clientID == "") {
		return nil, fmt.Errorf("client_secret requires tenant_id and client_id")
	}
	return s, nil
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return "azurekeyvault"
}

// Init creates the client and verifies connectivity by reading one page of
// secret properties.
func (s *Store) Init(ctx context.Context) error {
	if s.client == nil {
		cred, err := s.credential()
		if err != nil {
			return embedauth.WrapError(s.Name(), "init", "",
				fmt.Errorf("failed to initialize Azure credential: %w", err))
		}

		client, err := azsecrets.NewClient(s.vaultURL, cred, nil)
		if err != nil {
			return embedauth.WrapError(s.Name(), "init", "",
				fmt.Errorf("failed to create Azure Key Vault client: %w", err))
		}
		s.client = client
	}

	pager := s.client.NewListSecretPropertiesPager(nil)
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return embedauth.WrapError(s.Name(), "init", "",
				fmt.Errorf("failed to connect to Azure Key Vault: %w", err))
		}
	}
	return nil
}

func (s *Store) credential() (azcore.TokenCredential, error) {
	if s.clientSecret != "" {
		return azidentity.NewClientSecretCredential(s.tenantID, s.clientID, s.clientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

// Close is a no-op; the Azure SDK holds no connections that need releasing.
func (s *Store) Close() error {
	return nil
}

// Get returns the latest version of the secret for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := embedauth.ValidateKey(key); err != nil {
		return "", err
	}

	resp, err := s.client.GetSecret(ctx, s.secretName(key), "", nil)
	if err != nil {
		return "", s.handleAzureError(err, "get", key)
	}
	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}

// Set writes a new version of the secret for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	contentType := "text/plain"
	_, err := s.client.SetSecret(ctx, s.secretName(key), azsecrets.SetSecretParameters{
		Value:       &value,
		ContentType: &contentType,
		Tags:        map[string]*string{"embedauth": &key},
	}, nil)
	return s.handleAzureError(err, "set", key)
}

// Delete soft-deletes the secret for key. The vault's retention policy decides
// when it is purged.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteSecret(ctx, s.secretName(key), nil)
	if err = s.handleAzureError(err, "delete", key); errors.Is(err, embedauth.ErrNotFound) {
		return nil
	}
	return err
}

// secretName returns the prefixed, normalized secret name for key.
func (s *Store) secretName(key string) string {
	return nameReplacer.Replace(s.prefix + key)
}

// handleAzureError maps Azure SDK errors to embedauth errors.
func (s *Store) handleAzureError(err error, operation, key string) error {
	if err == nil {
		return nil
	}

	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return embedauth.WrapError(s.Name(), operation, key, err)
	}

	switch respErr.StatusCode {
	case http.StatusNotFound:
		return embedauth.ErrNotFound

	case http.StatusConflict:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("secret is soft-deleted - recover or purge it first: %w", err))

	case http.StatusForbidden:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("permission denied - check Azure RBAC permissions: %w", err))

	case http.StatusUnauthorized:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("unauthenticated - check Azure AD credentials: %w", err))

	default:
		return embedauth.WrapError(s.Name(), operation, key,
			fmt.Errorf("Azure error [%d]: %w", respErr.StatusCode, err))
	}
}

func init() {
	embedauth.RegisterStore(embedauth.StoreAzureKeyVault,
		func(cfg embedauth.StoreConfig) (embedauth.Store, error) {
			return New(cfg.MergedOptions())
		})
}
