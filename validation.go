package embedauth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey indicates the storage key contains invalid characters.
var ErrInvalidKey = errors.New("invalid storage key")

// ValidateKey checks if a storage key is safe to use as a file map key,
// a cloud secret name suffix, or a pass entry path.
//
// Valid characters: alphanumeric, dash, underscore, dot, slash
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}

	if len(key) > 256 {
		return fmt.Errorf("%w: key too long (max 256 characters)", ErrInvalidKey)
	}

	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: key must be relative and must not contain %q", ErrInvalidKey, "..")
	}

	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '/':
		default:
			return fmt.Errorf("%w: contains forbidden character %q", ErrInvalidKey, r)
		}
	}

	return nil
}
