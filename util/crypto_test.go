package util

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/tj/assert"
)

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateEd25519KeyPair()
	assert.NoError(t, err)
	pubKey, kErr := base64.StdEncoding.DecodeString(*pub)
	assert.NoError(t, kErr)
	privKey, kErr := base64.StdEncoding.DecodeString(*priv)
	assert.NoError(t, kErr)
	assert.Len(t, pubKey, 32)
	assert.Len(t, privKey, 64)
	assert.True(t, IsEd25519PublicKey(*pub))
}

func TestSignMessage(t *testing.T) {
	pub, priv, err := GenerateEd25519KeyPair()
	assert.NoError(t, err)
	privKey, _ := base64.StdEncoding.DecodeString(*priv)

	sig, err := Sign([]byte("hello"), privKey)
	assert.NoError(t, err)
	ok, err := Verify([]byte("hello"), sig, *pub)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("hello!"), sig, *pub)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = Sign([]byte("x"), privKey[:10])
	assert.Equal(t, ErrInvalidPrivateKey, err)
}

func TestRandomDigits(t *testing.T) {
	code, err := RandomDigits(8)
	assert.NoError(t, err)
	assert.Len(t, code, 8)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestGenerateServerSecret(t *testing.T) {
	s, err := GenerateServerSecret()
	assert.NoError(t, err)
	b, err := base64.StdEncoding.DecodeString(s)
	assert.NoError(t, err)
	assert.Len(t, b, 32)
}

func TestDIDKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	did, err := DIDKeyFromEd25519(pub)
	assert.NoError(t, err)
	assert.Contains(t, did, "did:key:z6Mk")

	back, err := Ed25519FromDIDKey(did + "#key-1")
	assert.NoError(t, err)
	assert.Equal(t, pub, back)

	_, err = Ed25519FromDIDKey("did:web:example.com")
	assert.Equal(t, ErrInvalidDIDKey, err)
	_, err = Ed25519FromDIDKey("did:key:z0OIl")
	assert.Equal(t, ErrInvalidDIDKey, err)
}

func TestDIDKeyFromSeed(t *testing.T) {
	seed := make([]byte, 32)
	did1, priv, err := DIDKeyFromSeed(seed)
	assert.NoError(t, err)
	did2, _, err := DIDKeyFromSeed(seed)
	assert.NoError(t, err)
	assert.Equal(t, did1, did2)
	assert.Len(t, priv, 64)

	_, _, err = DIDKeyFromSeed(seed[:16])
	assert.Equal(t, ErrInvalidDIDKey, err)
}
