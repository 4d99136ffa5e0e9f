package types

import (
	"crypto/sha256"

	"github.com/go-webauthn/webauthn/webauthn"
)

// InputPasskeyRegistrationVerify finishes the registration of a passkey used as a recovery method
type InputPasskeyRegistrationVerify struct {
	AuthenticatedInput
	AttestationResponse *WebauthnAttestationResponseJSON `json:"attestationResponse" validate:"required"`
}

// WebauthnAttestationResponseJSON is the JSON response from the Webauthn API
type WebauthnAttestationResponseJSON struct {
	ID                      string                      `json:"id"`
	RawID                   string                      `json:"rawId"`
	Type                    string                      `json:"type"`
	ClientExtensionResults  map[string]interface{}      `json:"clientExtensionResults,omitempty"`
	AuthenticatorAttachment string                      `json:"authenticatorAttachment"`
	Response                WebauthnAttestationResponse `json:"response"`
}

type WebauthnAttestationResponse struct {
	AttestationObject  string   `json:"attestationObject"`
	ClientDataJSON     string   `json:"clientDataJSON"`
	Transports         []string `json:"transports"`
	PublicKeyAlgorithm int      `json:"publicKeyAlgorithm"`
	PublicKey          string   `json:"publicKey"`
	AuthenticatorData  string   `json:"authenticatorData"`
}

type OutputPasskeyRegistration struct {
	CredentialID string `json:"credentialId"`
}

// PasskeyUserDB is the stored list of passkey credentials registered for a user key
type PasskeyUserDB struct {
	BaseDocument `json:",inline"`
	KeyID        string                `json:"keyId"`       // user key document id
	Name         string                `json:"name"`        // maps to WebAuthNUser Name
	DisplayName  string                `json:"displayName"` // maps to WebAuthNUser DisplayName
	Credentials  []webauthn.Credential `json:"credentials"` // maps to WebAuthNUser Credentials
}

// PasskeyUserHandle is the WebAuthn user handle of a user key. Contact based document ids
// can exceed the 64 byte limit of a user handle, so the handle is their hash.
func PasskeyUserHandle(keyID string) []byte {
	sum := sha256.Sum256([]byte(keyID))
	return sum[:]
}

func MapPasskeyUserToDB(user PasskeyUser) PasskeyUserDB {
	return PasskeyUserDB{
		KeyID:       user.KeyID,
		Name:        user.Name,
		DisplayName: user.DisplayName,
		Credentials: user.Credentials,
	}
}

func MapPasskeyUserFromDB(user PasskeyUserDB) *PasskeyUser {
	return &PasskeyUser{
		ID:          PasskeyUserHandle(user.KeyID),
		KeyID:       user.KeyID,
		Name:        user.Name,
		DisplayName: user.DisplayName,
		Credentials: user.Credentials,
	}
}

// PasskeyUser implements webauthn.User
type PasskeyUser struct {
	ID          []byte
	KeyID       string
	Name        string
	DisplayName string
	Credentials []webauthn.Credential
}

// Implementing the WebAuthnID method
func (u *PasskeyUser) WebAuthnID() []byte {
	return u.ID
}

// Implementing the WebAuthnName method
func (u *PasskeyUser) WebAuthnName() string {
	return u.Name
}

// Implementing the WebAuthnDisplayName method
func (u *PasskeyUser) WebAuthnDisplayName() string {
	return u.DisplayName
}

// Implementing the WebAuthnCredentials method
func (u *PasskeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.Credentials
}

// Implementing the WebAuthnIcon method
func (u *PasskeyUser) WebAuthnIcon() string {
	return ""
}
