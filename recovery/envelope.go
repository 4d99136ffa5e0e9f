// Package recovery derives keys for the recovery methods of a user and
// seals the recovery share under them.
package recovery

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mailio/go-mailio-keyshare/types"
)

var (
	// ErrDecryptionFailed is returned on a wrong password, wrong authenticator or tampered envelope
	ErrDecryptionFailed = errors.New("this method cannot recover your key")

	// ErrAuthenticatorUnavailable is returned when the platform has no PRF capable authenticator
	ErrAuthenticatorUnavailable = errors.New("authenticator unavailable")

	// ErrChecksumMismatch is returned when a recovery phrase fails its checksum
	ErrChecksumMismatch = errors.New("recovery phrase checksum mismatch")

	// ErrUnknownWord is returned when a recovery phrase contains a word outside the wordlist
	ErrUnknownWord = errors.New("unknown word in recovery phrase")

	// ErrUnsupportedLength is returned for phrases or secrets of unsupported length
	ErrUnsupportedLength = errors.New("unsupported length")

	// ErrUnsupportedBackupVersion is returned for backup files of unknown version
	ErrUnsupportedBackupVersion = errors.New("unsupported backup version")

	// ErrWeakKDFParams is returned for password KDF parameters below the enforced floor
	ErrWeakKDFParams = errors.New("kdf parameters below minimum")
	// ErrExcessiveKDFParams is returned for password KDF parameters above the enforced ceiling
	ErrExcessiveKDFParams = errors.New("kdf parameters above maximum")

	// ErrInvalidEnvelope is returned for structurally broken envelopes
	ErrInvalidEnvelope = errors.New("invalid recovery envelope")
)

// Envelope is the sealed recovery share. It only carries public parameters.
type Envelope struct {
	Ciphertext []byte     `json:"ciphertext"`
	IV         []byte     `json:"iv"`
	Salt       []byte     `json:"salt,omitempty"`
	KDFParams  *KDFParams `json:"kdfParams,omitempty"`
}

// MarshalRaw encodes the envelope for the server (opaque to it)
func (e *Envelope) MarshalRaw() (json.RawMessage, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes an envelope received from the server
func ParseEnvelope(raw json.RawMessage) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidEnvelope
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidEnvelope)
	}
	if len(e.Ciphertext) == 0 || len(e.IV) == 0 {
		return nil, ErrInvalidEnvelope
	}
	return &e, nil
}

func associatedData(t types.RecoveryMethodType) []byte {
	return []byte("mailio-keyshare/recovery/" + string(t))
}

func seal(key, plain []byte, t types.RecoveryMethodType) (iv, ct []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return iv, gcm.Seal(nil, iv, plain, associatedData(t)), nil
}

func open(key []byte, e *Envelope, t types.RecoveryMethodType) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(e.IV) != gcm.NonceSize() {
		return nil, ErrInvalidEnvelope
	}
	plain, err := gcm.Open(nil, e.IV, e.Ciphertext, associatedData(t))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
