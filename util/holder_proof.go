package util

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// HolderProofAudience is the audience of DID holder proofs sent to the key server
const HolderProofAudience = "mailio-keyshare"

// HolderProofTTL bounds how long a holder proof is accepted after it was issued
const HolderProofTTL = 5 * time.Minute

var ErrInvalidHolderProof = errors.New("invalid holder proof")

type holderProofClaims struct {
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	// base64url sha256 of the identity token the proof is bound to
	TokenHash string `json:"ath"`
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CreateHolderProof signs a compact EdDSA JWS proving control of the did:key of privateKey,
// bound to the identity token of the same request
func CreateHolderProof(privateKey ed25519.PrivateKey, identityToken string, now time.Time) (string, error) {
	did, err := DIDKeyFromEd25519(privateKey.Public().(ed25519.PublicKey))
	if err != nil {
		return "", err
	}
	pl, err := json.Marshal(holderProofClaims{
		Issuer:    did,
		Audience:  HolderProofAudience,
		IssuedAt:  now.Unix(),
		Expiry:    now.Add(HolderProofTTL).Unix(),
		TokenHash: tokenHash(identityToken),
	})
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: privateKey}, nil)
	if err != nil {
		return "", err
	}
	object, err := signer.Sign(pl)
	if err != nil {
		return "", err
	}
	return object.CompactSerialize()
}

// VerifyHolderProof verifies the proof against the did:key it names and returns that DID
func VerifyHolderProof(proof string, identityToken string, now time.Time) (string, error) {
	object, err := jose.ParseSigned(proof)
	if err != nil {
		return "", ErrInvalidHolderProof
	}
	var unverified holderProofClaims
	if err := json.Unmarshal(object.UnsafePayloadWithoutVerification(), &unverified); err != nil {
		return "", ErrInvalidHolderProof
	}
	pub, err := Ed25519FromDIDKey(unverified.Issuer)
	if err != nil {
		return "", ErrInvalidHolderProof
	}
	payload, err := object.Verify(pub)
	if err != nil {
		return "", ErrInvalidHolderProof
	}
	var claims holderProofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidHolderProof
	}
	if claims.Audience != HolderProofAudience || claims.TokenHash != tokenHash(identityToken) {
		return "", ErrInvalidHolderProof
	}
	if now.Unix() > claims.Expiry || now.Add(time.Minute).Unix() < claims.IssuedAt {
		return "", ErrInvalidHolderProof
	}
	return claims.Issuer, nil
}
