// Package vault keeps the device share of a user encrypted on the local device.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const (
	recordVersion = 1
	keyVersion    = 1

	masterKeyID  = "__vault_master_key__"
	masterKeyLen = 32

	deviceSharePrefix = "sss-device-share:"
	versionSuffix     = ":version"
)

var (
	// ErrDecryptionFailed is returned when a stored share was tampered with,
	// relabeled or encrypted under a different master key
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrReservedID is returned when a caller tries to use the master key slot
	ErrReservedID = errors.New("reserved vault id")
)

type encryptedRecord struct {
	Version    int    `json:"version"`
	IV         []byte `json:"iv"`
	Cipher     []byte `json:"cipher"`
	KeyVersion int    `json:"keyVersion"`
}

// DeviceShareID is the vault id of a user's device share
func DeviceShareID(userID string) string {
	return deviceSharePrefix + userID
}

// Vault encrypts shares with a per-device master key, binding each share to its id.
// The master key lives in its own MasterKeyStore, never among the records.
type Vault struct {
	storage Storage
	keys    MasterKeyStore

	mu        sync.Mutex
	masterKey []byte
}

func New(storage Storage, keys MasterKeyStore) *Vault {
	return &Vault{storage: storage, keys: keys}
}

// getOrCreateMasterKey loads the master key or generates it once
func (v *Vault) getOrCreateMasterKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey != nil {
		return v.masterKey, nil
	}
	k, err := v.keys.Load()
	if err != nil {
		return nil, err
	}
	if k == nil {
		k = make([]byte, masterKeyLen)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		if err := v.keys.Save(k); err != nil {
			return nil, err
		}
	}
	if len(k) != masterKeyLen {
		return nil, fmt.Errorf("corrupt master key: %w", ErrDecryptionFailed)
	}
	v.masterKey = k
	return k, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	k, err := v.getOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Store encrypts and persists the share under id
func (v *Vault) Store(id string, share []byte) error {
	if id == masterKeyID {
		return ErrReservedID
	}
	gcm, err := v.gcm()
	if err != nil {
		return err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	rec := encryptedRecord{
		Version:    recordVersion,
		IV:         iv,
		Cipher:     gcm.Seal(nil, iv, share, []byte(id)),
		KeyVersion: keyVersion,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.storage.Put(id, b)
}

// Get returns the share stored under id, or nil if there is none.
// Records that fail authentication return ErrDecryptionFailed.
func (v *Vault) Get(id string) ([]byte, error) {
	if id == masterKeyID {
		return nil, ErrReservedID
	}
	b, err := v.storage.Get(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var rec encryptedRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("malformed record: %w", ErrDecryptionFailed)
	}
	if rec.Version != recordVersion || rec.KeyVersion != keyVersion {
		return nil, fmt.Errorf("unsupported record version %d/%d: %w", rec.Version, rec.KeyVersion, ErrDecryptionFailed)
	}
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	if len(rec.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid iv: %w", ErrDecryptionFailed)
	}
	share, err := gcm.Open(nil, rec.IV, rec.Cipher, []byte(id))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return share, nil
}

// Has reports whether a readable share is stored under id
func (v *Vault) Has(id string) bool {
	share, err := v.Get(id)
	return err == nil && share != nil
}

// Delete removes the share and its version
func (v *Vault) Delete(id string) error {
	if id == masterKeyID {
		return ErrReservedID
	}
	if err := v.storage.Delete(id); err != nil {
		return err
	}
	return v.storage.Delete(id + versionSuffix)
}

// StoreVersion records which auth share version the share under id pairs with
func (v *Vault) StoreVersion(id string, version int) error {
	return v.Store(id+versionSuffix, []byte(strconv.Itoa(version)))
}

// GetVersion returns the stored share version (false if unknown)
func (v *Vault) GetVersion(id string) (int, bool, error) {
	b, err := v.Get(id + versionSuffix)
	if err != nil || b == nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, false, fmt.Errorf("malformed version: %w", ErrDecryptionFailed)
	}
	return n, true, nil
}

// ClearAll removes every share and the master key
func (v *Vault) ClearAll() error {
	keys, err := v.storage.Keys()
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if dErr := v.storage.Delete(k); dErr != nil {
			errs = append(errs, dErr)
		}
	}
	if kErr := v.keys.Delete(); kErr != nil {
		errs = append(errs, kErr)
	}
	v.mu.Lock()
	v.masterKey = nil
	v.mu.Unlock()
	return errors.Join(errs...)
}
