package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keychain service the vault master keys are filed under
const KeyringService = "mailio-keyshare"

// MasterKeyStore holds the vault master key apart from the encrypted records.
// Load returns nil, nil when no key was saved yet.
type MasterKeyStore interface {
	Load() ([]byte, error)
	Save(key []byte) error
	Delete() error
}

// KeyringKeyStore keeps the master key in the OS keychain (macOS Keychain, Windows
// Credential Manager, Secret Service on Linux)
type KeyringKeyStore struct {
	account string
}

// NewKeyringKeyStore files the key under account, typically the vault directory
func NewKeyringKeyStore(account string) *KeyringKeyStore {
	return &KeyringKeyStore{account: account}
}

func (k *KeyringKeyStore) Load() ([]byte, error) {
	secret, err := keyring.Get(KeyringService, k.account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read master key from keychain: %w", err)
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("corrupt master key: %w", ErrDecryptionFailed)
	}
	return key, nil
}

func (k *KeyringKeyStore) Save(key []byte) error {
	if err := keyring.Set(KeyringService, k.account, hex.EncodeToString(key)); err != nil {
		return fmt.Errorf("failed to write master key to keychain: %w", err)
	}
	return nil
}

func (k *KeyringKeyStore) Delete() error {
	if err := keyring.Delete(KeyringService, k.account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete master key from keychain: %w", err)
	}
	return nil
}

// StorageKeyStore keeps the master key in a Storage. When that storage is the one holding
// the records, anyone able to read it can decrypt the shares: only for hosts without a
// keychain, and only when asked for explicitly.
type StorageKeyStore struct {
	storage Storage
}

func NewStorageKeyStore(storage Storage) *StorageKeyStore {
	return &StorageKeyStore{storage: storage}
}

func (s *StorageKeyStore) Load() ([]byte, error) { return s.storage.Get(masterKeyID) }
func (s *StorageKeyStore) Save(key []byte) error { return s.storage.Put(masterKeyID, key) }
func (s *StorageKeyStore) Delete() error         { return s.storage.Delete(masterKeyID) }

// MemoryKeyStore is a MasterKeyStore for tests and ephemeral sessions
type MemoryKeyStore struct {
	mu  sync.Mutex
	key []byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

func (m *MemoryKeyStore) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, nil
	}
	return append([]byte(nil), m.key...), nil
}

func (m *MemoryKeyStore) Save(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = append([]byte(nil), key...)
	return nil
}

func (m *MemoryKeyStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = nil
	return nil
}
