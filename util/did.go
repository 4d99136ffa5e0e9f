package util

import (
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

const didKeyPrefix = "did:key:z"

// multicodec varint of ed25519-pub
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrInvalidDIDKey = errors.New("invalid did:key")

// DIDKeyFromEd25519 returns the did:key (base58btc multibase) of an ed25519 public key
func DIDKeyFromEd25519(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidDIDKey
	}
	b := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	b = append(b, ed25519Multicodec...)
	b = append(b, pub...)
	return didKeyPrefix + base58.Encode(b), nil
}

// Ed25519FromDIDKey extracts the ed25519 public key of a did:key (fragments are ignored)
func Ed25519FromDIDKey(did string) (ed25519.PublicKey, error) {
	if i := strings.IndexByte(did, '#'); i >= 0 {
		did = did[:i]
	}
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, ErrInvalidDIDKey
	}
	b, err := base58.Decode(did[len(didKeyPrefix):])
	if err != nil {
		return nil, ErrInvalidDIDKey
	}
	if len(b) != len(ed25519Multicodec)+ed25519.PublicKeySize || b[0] != ed25519Multicodec[0] || b[1] != ed25519Multicodec[1] {
		return nil, ErrInvalidDIDKey
	}
	return ed25519.PublicKey(b[len(ed25519Multicodec):]), nil
}

// DIDKeyFromSeed derives the ed25519 key pair of a 32 byte seed and returns its did:key
func DIDKeyFromSeed(seed []byte) (string, ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return "", nil, ErrInvalidDIDKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	did, err := DIDKeyFromEd25519(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return "", nil, err
	}
	return did, priv, nil
}
