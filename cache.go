package embedauth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CredentialCache persists the embed token in a Store under a fixed key.
type CredentialCache struct {
	store Store
	key   string
	now   func() time.Time
}

// NewCredentialCache creates a credential cache over store using CredentialKey.
func NewCredentialCache(store Store) *CredentialCache {
	return &CredentialCache{
		store: store,
		key:   CredentialKey,
		now:   time.Now,
	}
}

// Store returns the underlying store.
func (c *CredentialCache) Store() Store {
	return c.store
}

// Load reads the stored credential. An absent, malformed or expired token
// yields (nil, nil): it is treated as absent, not as a failure. The stored
// value is left untouched so that reads never write.
func (c *CredentialCache) Load(ctx context.Context) (*Credential, error) {
	return c.LoadAt(ctx, c.now())
}

// LoadAt is Load with expiry judged at now.
func (c *CredentialCache) LoadAt(ctx context.Context, now time.Time) (*Credential, error) {
	raw, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential cache: %w", err)
	}

	cred, err := ParseCredential(raw)
	if err != nil {
		return nil, nil
	}
	if cred.IsExpired(now) {
		return nil, nil
	}

	return cred, nil
}

// Inspect returns the stored credential regardless of expiry.
// It returns ErrNotFound when nothing is stored and ErrMalformedToken
// when the stored value cannot be decoded.
func (c *CredentialCache) Inspect(ctx context.Context) (*Credential, error) {
	raw, err := c.store.Get(ctx, c.key)
	if err != nil {
		return nil, err
	}
	return ParseCredential(raw)
}

// Save writes the credential's raw token to the store.
func (c *CredentialCache) Save(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.Token == "" {
		return fmt.Errorf("save credential: %w", ErrMalformedToken)
	}
	if err := c.store.Set(ctx, c.key, cred.Token); err != nil {
		return fmt.Errorf("write credential cache: %w", err)
	}
	return nil
}

// Clear removes the cached credential.
func (c *CredentialCache) Clear(ctx context.Context) error {
	err := c.store.Delete(ctx, c.key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
