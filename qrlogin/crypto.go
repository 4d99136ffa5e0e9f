package qrlogin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "mailio-keyshare/qr-login/v1"

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyPair is the ephemeral X25519 key of a requester. The private half only lives in memory.
type KeyPair struct {
	private []byte
	Public  []byte
}

func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	return &KeyPair{private: priv, Public: pub}, nil
}

// PublicKeyString is the form the relay and the QR code carry
func (k *KeyPair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// Wipe zeroes the private key
func (k *KeyPair) Wipe() {
	for i := range k.private {
		k.private[i] = 0
	}
}

// DevicePayload is what the approver hands over to the requester
type DevicePayload struct {
	DeviceShare  string `json:"deviceShare"`
	ShareVersion *int   `json:"shareVersion,omitempty"`
	ApproverDID  string `json:"approverDid"`
	AccountHint  string `json:"accountHint,omitempty"`
}

// SealedPayload is a DevicePayload encrypted to the requester's public key
type SealedPayload struct {
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	IV                 string `json:"iv"`
	Ciphertext         string `json:"ciphertext"`
}

func decodeKey(publicKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(publicKey)
	}
	if err != nil || len(raw) != curve25519.PointSize {
		return nil, ErrInvalidPublicKey
	}
	return raw, nil
}

// both sides bind the key to the two public keys of the exchange
func deriveAEAD(shared, ephemeralPub, recipientPub []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts the payload to the recipient's X25519 public key (ECIES: X25519, HKDF-SHA256,
// AES-256-GCM) and returns the transport encoding of the sealed payload.
func Seal(recipientPublicKey string, payload *DevicePayload) (string, error) {
	recipient, err := decodeKey(recipientPublicKey)
	if err != nil {
		return "", err
	}
	eph, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	defer eph.Wipe()

	shared, err := curve25519.X25519(eph.private, recipient)
	if err != nil {
		// low order point
		return "", ErrInvalidPublicKey
	}
	aead, err := deriveAEAD(shared, eph.Public, recipient)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed, err := json.Marshal(SealedPayload{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(eph.Public),
		IV:                 base64.StdEncoding.EncodeToString(iv),
		Ciphertext:         base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, plain, eph.Public)),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed payload with the requester's key pair
func Open(k *KeyPair, sealed string) (*DevicePayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	var sp SealedPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, ErrDecryptionFailed
	}
	ephPub, err := decodeKey(sp.EphemeralPublicKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	iv, err := base64.StdEncoding.DecodeString(sp.IV)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ct, err := base64.StdEncoding.DecodeString(sp.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	shared, err := curve25519.X25519(k.private, ephPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := deriveAEAD(shared, ephPub, k.Public)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	plain, err := aead.Open(nil, iv, ct, ephPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	var payload DevicePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, ErrDecryptionFailed
	}
	return &payload, nil
}
