package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Storage is the raw local key/value persistence behind a Vault.
// Get returns nil, nil for missing keys.
type Storage interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Keys() ([]string, error)
}

const fileExt = ".kv"

// FileStorage keeps one file per key in a private directory
type FileStorage struct {
	baseDir string
}

// NewFileStorage creates the base directory (0700) if it doesn't exist
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileStorage{baseDir: baseDir}, nil
}

func (fs *FileStorage) path(key string) string {
	return filepath.Join(fs.baseDir, hex.EncodeToString([]byte(key))+fileExt)
}

func (fs *FileStorage) Put(key string, value []byte) error {
	p := fs.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	return nil
}

func (fs *FileStorage) Get(key string) ([]byte, error) {
	content, err := os.ReadFile(fs.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}
	return content, nil
}

func (fs *FileStorage) Delete(key string) error {
	if err := os.Remove(fs.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete vault file: %w", err)
	}
	return nil
}

func (fs *FileStorage) Keys() ([]string, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		k, hErr := hex.DecodeString(strings.TrimSuffix(name, fileExt))
		if hErr != nil {
			continue
		}
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys, nil
}

// MemoryStorage is a Storage for tests and ephemeral sessions
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStorage) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
