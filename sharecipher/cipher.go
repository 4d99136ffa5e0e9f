// Package sharecipher encrypts the auth shares a server keeps at rest.
//
// The AES-256-GCM key is derived from the server wide secret with HKDF-SHA256
// under fixed labels and cached per secret fingerprint. Records without a version
// marker predate encryption at rest and are returned unchanged by Decrypt.
package sharecipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/mailio/go-mailio-keyshare/types"
	"golang.org/x/crypto/hkdf"
)

const (
	// VersionMarker tags records encrypted by this package
	VersionMarker = "v1"

	hkdfSalt = "mailio-keyshare/at-rest/salt/v1"
	hkdfInfo = "mailio-keyshare/at-rest/aes-256-gcm"
	keyLen   = 32
)

// Cipher caches derived keys per secret fingerprint; safe for concurrent use
type Cipher struct {
	mu   sync.RWMutex
	keys map[[sha256.Size]byte][]byte
}

var defaultCipher = New()

// New returns a cipher with an empty key cache
func New() *Cipher {
	return &Cipher{keys: make(map[[sha256.Size]byte][]byte)}
}

// Default returns the process wide cipher
func Default() *Cipher {
	return defaultCipher
}

// IsLegacy reports whether the record was stored before at-rest encryption
func IsLegacy(record *types.EncryptedShare) bool {
	return record != nil && record.Version == ""
}

func (c *Cipher) key(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, types.ErrServerMisconfigured
	}
	fp := sha256.Sum256(secret)

	c.mu.RLock()
	k, ok := c.keys[fp]
	c.mu.RUnlock()
	if ok {
		return k, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[fp]; ok {
		return k, nil
	}
	k = make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(hkdfInfo)), k); err != nil {
		return nil, fmt.Errorf("failed to derive at-rest key: %w", err)
	}
	c.keys[fp] = k
	return k, nil
}

// CachedKeys returns the number of derived keys held in the cache
func (c *Cipher) CachedKeys() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func (c *Cipher) aead(secret []byte) (cipher.AEAD, error) {
	k, err := c.key(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts a share payload with a fresh random IV
func (c *Cipher) Encrypt(plain string, secret []byte) (*types.EncryptedShare, error) {
	gcm, err := c.aead(secret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, iv, []byte(plain), nil)
	return &types.EncryptedShare{
		EncryptedData: base64.StdEncoding.EncodeToString(ct),
		IV:            base64.StdEncoding.EncodeToString(iv),
		Version:       VersionMarker,
	}, nil
}

// Decrypt returns the share payload of the record. Legacy records are passed through.
func (c *Cipher) Decrypt(record *types.EncryptedShare, secret []byte) (string, error) {
	if record == nil {
		return "", types.ErrNotFound
	}
	if IsLegacy(record) {
		return record.EncryptedData, nil
	}
	if record.Version != VersionMarker {
		return "", fmt.Errorf("unknown at-rest version %q: %w", record.Version, types.ErrDecryptionFailed)
	}
	gcm, err := c.aead(secret)
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(record.IV)
	if err != nil || len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid iv: %w", types.ErrDecryptionFailed)
	}
	ct, err := base64.StdEncoding.DecodeString(record.EncryptedData)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", types.ErrDecryptionFailed)
	}
	plain, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", types.ErrDecryptionFailed
	}
	return string(plain), nil
}
