package embedauth

import (
	"context"
	"fmt"
	"sync"
)

// Store is durable key/value storage for the credential and report state.
// Implementations: file, AWS Secrets Manager, GCP Secret Manager, Azure Key Vault, pass.
type Store interface {
	// Name returns the store identifier.
	Name() string

	// Lifecycle
	Init(ctx context.Context) error
	Close() error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set creates or replaces the value for key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// StoreType identifies a store implementation.
type StoreType string

const (
	// StoreFile represents the local JSON file store.
	StoreFile StoreType = "file"
	// StorePass represents the pass (Unix password manager) store.
	StorePass StoreType = "pass"
	// StoreAWSSecretsManager represents the AWS Secrets Manager store.
	StoreAWSSecretsManager StoreType = "awssecrets"
	// StoreGCPSecretManager represents the Google Cloud Secret Manager store.
	StoreGCPSecretManager StoreType = "gcpsecrets"
	// StoreAzureKeyVault represents the Azure Key Vault store.
	StoreAzureKeyVault StoreType = "azurekeyvault"
)

// StoreConfig holds store configuration.
type StoreConfig struct {
	// Type: "file", "pass", "awssecrets", "gcpsecrets", "azurekeyvault"
	Type StoreType

	// Path is the file store location (file) or password store directory (pass).
	Path string

	// Prefix namespaces keys inside shared stores.
	Prefix string

	// Store-specific options
	Options map[string]string
}

// MergedOptions returns a copy of Options with Prefix, when set, stored under "prefix".
func (c StoreConfig) MergedOptions() map[string]string {
	options := make(map[string]string, len(c.Options)+1)
	for k, v := range c.Options {
		options[k] = v
	}
	if c.Prefix != "" {
		options["prefix"] = c.Prefix
	}
	return options
}

// StoreFactory creates a store from configuration.
type StoreFactory func(cfg StoreConfig) (Store, error)

var (
	storeFactories = make(map[StoreType]StoreFactory)
	mu             sync.RWMutex
)

// RegisterStore registers a store factory function.
// Store implementations should call this in their init() function.
func RegisterStore(storeType StoreType, factory StoreFactory) {
	mu.Lock()
	defer mu.Unlock()
	storeFactories[storeType] = factory
}

// NewStore creates a store based on configuration.
// The store package must be imported for the store to be available.
// Example: import _ "github.com/blackwell-systems/embedauth/backends/file"
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.Type == "" {
		cfg.Type = StoreFile
	}

	mu.RLock()
	factory, ok := storeFactories[cfg.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store: %s (did you import the store package?)", cfg.Type)
	}

	return factory(cfg)
}

// RegisteredStores returns the store types currently registered.
func RegisteredStores() []StoreType {
	mu.RLock()
	defer mu.RUnlock()

	types := make([]StoreType, 0, len(storeFactories))
	for t := range storeFactories {
		types = append(types, t)
	}
	return types
}
