// Package file implements embedauth.Store as a single JSON document on local disk.
//
// The document is written with 0600 permissions inside a 0700 directory. Every access
// holds an advisory lock on "<path>.lock", so several processes can share one store.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/blackwell-systems/embedauth"
)

const (
	// defaultLockTimeout is how long an operation waits for the file lock.
	defaultLockTimeout = 10 * time.Second

	// lockRetryInterval is how often the lock is polled while waiting.
	lockRetryInterval = 10 * time.Millisecond

	// fileVersion is the document format written by this package.
	fileVersion = 1
)

var (
	errUnsupportedVersion = errors.New("unsupported store file version")
	errCorrupt            = errors.New("corrupt store file")
)

// document is the JSON content of the store file.
type document struct {
	Version int              `json:"version"`
	Entries map[string]entry `json:"entries"`
}

type entry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store implements embedauth.Store on a local file. It is safe for concurrent use.
type Store struct {
	path        string
	prefix      string
	lockTimeout time.Duration

	// mu serializes goroutines; lock serializes processes.
	mu   sync.Mutex
	lock *flock.Flock
}

// New creates a file store at path.
//
// Supported options:
//   - lock_timeout: how long to wait for the file lock (Go duration, default "10s")
//   - prefix: prepended to every entry key, so several stores can share one file
func New(path string, options map[string]string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required for the file store")
	}

	timeout := defaultLockTimeout
	if v := options["lock_timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid lock_timeout %q: %w", v, err)
		}
		timeout = d
	}

	return &Store{
		path:        path,
		prefix:      options["prefix"],
		lock:        flock.New(path + ".lock"),
		lockTimeout: timeout,
	}, nil
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return "file"
}

// Path returns the location of the store file.
func (s *Store) Path() string {
	return s.path
}

// Init creates the parent directory with 0700 permissions.
func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return embedauth.WrapError(s.Name(), "init", "", fmt.Errorf("create store directory: %w", err))
	}
	return nil
}

// Close releases the file lock if it is still held.
func (s *Store) Close() error {
	return s.lock.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := embedauth.ValidateKey(key); err != nil {
		return "", err
	}

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return "", embedauth.ErrNotFound
	}

	release, err := s.acquire(ctx, false)
	if err != nil {
		return "", embedauth.WrapError(s.Name(), "get", key, err)
	}
	defer release()

	doc, err := readDocument(s.path)
	if err != nil {
		return "", embedauth.WrapError(s.Name(), "get", key, err)
	}

	e, ok := doc.Entries[s.prefix+key]
	if !ok {
		return "", embedauth.ErrNotFound
	}
	return e.Value, nil
}

// Set creates or replaces the value stored under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	err := s.update(ctx, func(doc *document) {
		doc.Entries[s.prefix+key] = entry{Value: value, UpdatedAt: time.Now().UTC()}
	})
	return embedauth.WrapError(s.Name(), "set", key, err)
}

// Delete removes key. Missing keys and a missing file are not errors.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := embedauth.ValidateKey(key); err != nil {
		return err
	}

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	err := s.update(ctx, func(doc *document) {
		delete(doc.Entries, s.prefix+key)
	})
	return embedauth.WrapError(s.Name(), "delete", key, err)
}

// Keys returns every key stored under the store's prefix, without the prefix.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	release, err := s.acquire(ctx, false)
	if err != nil {
		return nil, embedauth.WrapError(s.Name(), "list", "", err)
	}
	defer release()

	doc, err := readDocument(s.path)
	if err != nil {
		return nil, embedauth.WrapError(s.Name(), "list", "", err)
	}

	keys := make([]string, 0, len(doc.Entries))
	for k := range doc.Entries {
		if key, ok := strings.CutPrefix(k, s.prefix); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// update locks the file, reads it, applies mutate and writes it back. A corrupt
// document is replaced by an empty one; a newer format is left untouched.
func (s *Store) update(ctx context.Context, mutate func(*document)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	release, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	doc, err := readDocument(s.path)
	switch {
	case errors.Is(err, errCorrupt):
		doc = emptyDocument()
	case err != nil:
		return err
	}

	mutate(doc)
	return doc.writeTo(s.path)
}

func (s *Store) acquire(ctx context.Context, exclusive bool) (release func(), err error) {
	// One Flock shares its state across goroutines, so in-process access is
	// always exclusive.
	s.mu.Lock()

	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	var locked bool
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, lockRetryInterval)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryInterval)
	}
	if err == nil && !locked {
		err = fmt.Errorf("timed out after %s", s.lockTimeout)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("could not lock store file: %w", err)
	}

	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

// readDocument loads the store file. A missing file is an empty document.
func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyDocument(), nil
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, doc.Version)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]entry)
	}
	return &doc, nil
}

func emptyDocument() *document {
	return &document{
		Version: fileVersion,
		Entries: make(map[string]entry),
	}
}

// writeTo replaces the file at path atomically with 0600 permissions.
func (d *document) writeTo(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	return nil
}

func init() {
	embedauth.RegisterStore(embedauth.StoreFile, func(cfg embedauth.StoreConfig) (embedauth.Store, error) {
		return New(cfg.Path, cfg.MergedOptions())
	})
}
