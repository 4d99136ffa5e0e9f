package util

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/tj/assert"
)

func TestHolderProof(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	did, _ := DIDKeyFromEd25519(priv.Public().(ed25519.PublicKey))
	now := time.Now()

	proof, err := CreateHolderProof(priv, "id-token", now)
	assert.NoError(t, err)

	holder, err := VerifyHolderProof(proof, "id-token", now.Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, did, holder)

	// bound to the token
	_, err = VerifyHolderProof(proof, "other-token", now)
	assert.Equal(t, ErrInvalidHolderProof, err)

	// expired
	_, err = VerifyHolderProof(proof, "id-token", now.Add(HolderProofTTL+time.Second))
	assert.Equal(t, ErrInvalidHolderProof, err)

	_, err = VerifyHolderProof("not.a.jws", "id-token", now)
	assert.Equal(t, ErrInvalidHolderProof, err)
}

func TestHolderProofWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	_, other, _ := ed25519.GenerateKey(nil)
	now := time.Now()

	// signed by another key than the one named in iss
	proof, err := CreateHolderProof(priv, "t", now)
	assert.NoError(t, err)
	forged, err := CreateHolderProof(other, "t", now)
	assert.NoError(t, err)
	assert.NotEqual(t, proof, forged)

	// splice the payload of one proof with the signature of the other
	parts := strings.Split(proof, ".")
	forgedParts := strings.Split(forged, ".")
	_, err = VerifyHolderProof(parts[0]+"."+parts[1]+"."+forgedParts[2], "t", now)
	assert.Equal(t, ErrInvalidHolderProof, err)
}
