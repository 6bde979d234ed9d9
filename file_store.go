package mq

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var _ PersistenceAdapter = (*FileStore)(nil)

// FileStore implements PersistenceAdapter with one file per key, each
// holding the value verbatim. The file name is the hex encoding of the
// key so that keys like "Sent:<uri>:<clientId>:<id>" never collide with
// filesystem-significant characters.
//
// File organization:
//
//	baseDir/
//	  clientID/
//	    <hex(key)>.val
//
// All operations are synchronous; there is no write batching.
type FileStore struct {
	dir         string
	clientID    string
	permissions os.FileMode
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithPermissions sets the file permissions for stored value files.
// Default is 0644.
func WithPermissions(perm os.FileMode) FileStoreOption {
	return func(f *FileStore) {
		f.permissions = perm
	}
}

// NewFileStore creates a file-based persistence adapter rooted at
// baseDir/clientID. The directory is created if it does not already exist.
func NewFileStore(baseDir, clientID string, opts ...FileStoreOption) (*FileStore, error) {
	if clientID == "" {
		return nil, fmt.Errorf("mq: file store client id cannot be empty")
	}
	if strings.Contains(clientID, "..") || strings.Contains(clientID, string(filepath.Separator)) {
		return nil, fmt.Errorf("mq: file store client id contains invalid characters")
	}

	f := &FileStore{
		dir:         filepath.Join(baseDir, clientID),
		clientID:    clientID,
		permissions: 0644,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(f.dir, f.permissions|0111); err != nil {
		return nil, fmt.Errorf("mq: create file store directory: %w", err)
	}
	return f, nil
}

// ClientID returns the client ID this store is bound to.
func (f *FileStore) ClientID() string { return f.clientID }

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".val")
}

func (f *FileStore) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mq: read %q: %w", key, err)
	}
	return string(data), true, nil
}

func (f *FileStore) Set(key, value string) error {
	if err := os.WriteFile(f.path(key), []byte(value), f.permissions); err != nil {
		return fmt.Errorf("mq: write %q: %w", key, err)
	}
	return nil
}

func (f *FileStore) Remove(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mq: remove %q: %w", key, err)
	}
	return nil
}

func (f *FileStore) EnumerateKeys() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("mq: read file store directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".val")
		if name == entry.Name() {
			continue // not one of ours
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue // not one of ours
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}
