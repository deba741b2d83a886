// Package pass implements embedauth.Store on the pass password manager.
//
// Each key is one pass entry at <prefix>/<key>; values are stored multi-line.
package pass

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/blackwell-systems/embedauth"
)

func init() {
	embedauth.RegisterStore(embedauth.StorePass, func(cfg embedauth.StoreConfig) (embedauth.Store, error) {
		return New(cfg.Path, cfg.Prefix, cfg.Options)
	})
}

// Store implements embedauth.Store for pass.
type Store struct {
	storePath string
	prefix    string
	binary    string

	lookPath func(string) (string, error)
}

// New creates a pass store. storePath defaults to ~/.password-store and prefix
// to "embedauth". The "binary" option overrides the pass executable.
func New(storePath, prefix string, options map[string]string) (*Store, error) {
	if storePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		storePath = filepath.Join(home, ".password-store")
	}
	if prefix == "" {
		prefix = "embedauth"
	}
	binary := options["binary"]
	if binary == "" {
		binary = "pass"
	}
	return &Store{
		storePath: storePath,
		prefix:    prefix,
		binary:    binary,
		lookPath:  exec.LookPath,
	}, nil
}

// Name returns the store name.
func (s *Store) Name() string { return "pass" }

// Init checks that pass and gpg are installed and the store exists.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.lookPath(s.binary); err != nil {
		return embedauth.ErrStoreNotInstalled
	}
	if _, err := s.lookPath("gpg"); err != nil {
		return fmt.Errorf("gpg not installed: %w", embedauth.ErrStoreNotInstalled)
	}
	if _, err := os.Stat(s.storePath); os.IsNotExist(err) {
		return fmt.Errorf("password store not initialized at %s", s.storePath)
	}
	return nil
}

// Close is a no-op for pass.
func (s *Store) Close() error { return nil }

// Get decrypts the entry for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := embedauth.ValidateKey(key); err != nil {
		return "", err
	}
	if ok, err := s.exists(key); err != nil {
		return "", embedauth.WrapError("pass", "get", key, err)
	} else if !ok {
		return "", embedauth.ErrNotFound
	}

	out, err := s.command(ctx, "show", s.entryPath(key)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", embedauth.ErrNotFound
		}
		return "", embedauth.WrapError("pass", "get", key, err)
	}
	return string(out), nil
}

// Set creates or overwrites the entry for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	cmd := s.command(ctx, "insert", "-m", "-f", s.entryPath(key))
	cmd.Stdin = strings.NewReader(value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return embedauth.WrapError("pass", "set", key,
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}

// Delete removes the entry for key if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}
	if ok, err := s.exists(key); err != nil || !ok {
		return err
	}

	if err := s.command(ctx, "rm", "-f", s.entryPath(key)).Run(); err != nil {
		return embedauth.WrapError("pass", "delete", key, err)
	}
	return nil
}

func (s *Store) exists(key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.storePath, s.prefix, filepath.FromSlash(key)+".gpg"))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Env = append(os.Environ(), "PASSWORD_STORE_DIR="+s.storePath)
	return cmd
}

// entryPath returns the pass entry name for key.
func (s *Store) entryPath(key string) string {
	return s.prefix + "/" + key
}
