package types

import (
	"encoding/json"
	"strings"
	"time"
)

type KeyProvider string

const (
	KeyProviderSSS      KeyProvider = "sss"
	KeyProviderWeb3Auth KeyProvider = "web3auth" // legacy single party derivation
)

type SecurityLevel string

const (
	SecurityLevelBasic    SecurityLevel = "basic"
	SecurityLevelEnhanced SecurityLevel = "enhanced"
	SecurityLevelAdvanced SecurityLevel = "advanced"
)

type ContactMethodType string

const (
	ContactMethodEmail ContactMethodType = "email"
	ContactMethodPhone ContactMethodType = "phone"
)

type RecoveryMethodType string

const (
	RecoveryMethodPassword RecoveryMethodType = "password"
	RecoveryMethodPasskey  RecoveryMethodType = "passkey"
	RecoveryMethodPhrase   RecoveryMethodType = "phrase"
	RecoveryMethodBackup   RecoveryMethodType = "backup"
	RecoveryMethodEmail    RecoveryMethodType = "email"
)

// ContactMethod identifies a user key record (unique per type+value)
type ContactMethod struct {
	Type  ContactMethodType `json:"type" validate:"required,oneof=email phone"`
	Value string            `json:"value" validate:"required"`
}

// DocumentID returns the CouchDB document ID of the user key for this contact method
func (c ContactMethod) DocumentID() string {
	return string(c.Type) + ":" + strings.ToLower(strings.TrimSpace(c.Value))
}

// AuthProviderLink links an identity provider account to the user key
type AuthProviderLink struct {
	Type AuthProviderType `json:"type"`
	ID   string           `json:"id"`
}

// EncryptedShare is an auth share encrypted at rest with the server secret.
// Records without Version are legacy records holding the share as is.
type EncryptedShare struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv,omitempty"`
	Version       string `json:"version,omitempty"`
}

type PreviousAuthShare struct {
	AuthShare    EncryptedShare `json:"authShare"`
	ShareVersion int            `json:"shareVersion"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// RecoveryMethod is the server side metadata of a recovery method.
// EncryptedShare is an opaque client envelope (public parameters + ciphertext).
type RecoveryMethod struct {
	Type           RecoveryMethodType `json:"type" validate:"required,oneof=password passkey phrase backup email"`
	CredentialID   string             `json:"credentialId,omitempty" validate:"required_if=Type passkey"`
	EncryptedShare json.RawMessage    `json:"encryptedShare,omitempty"`
	ShareVersion   *int               `json:"shareVersion,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// Info strips the envelope
func (r RecoveryMethod) Info() RecoveryMethodInfo {
	return RecoveryMethodInfo{
		Type:         r.Type,
		CredentialID: r.CredentialID,
		ShareVersion: r.ShareVersion,
		CreatedAt:    r.CreatedAt,
	}
}

type RecoveryMethodInfo struct {
	Type         RecoveryMethodType `json:"type"`
	CredentialID string             `json:"credentialId,omitempty"`
	ShareVersion *int               `json:"shareVersion,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// UserKey is the server key record of a single identity
type UserKey struct {
	BaseDocument         `json:",inline"`
	ContactMethod        ContactMethod       `json:"contactMethod"`
	AuthProviders        []AuthProviderLink  `json:"authProviders"`
	PrimaryDID           string              `json:"primaryDid"`
	LinkedDIDs           []string            `json:"linkedDids,omitempty"`
	KeyProvider          KeyProvider         `json:"keyProvider"`
	AuthShare            *EncryptedShare     `json:"authShare,omitempty"`
	ShareVersion         int                 `json:"shareVersion"`
	ShareUpdatedAt       *time.Time          `json:"shareUpdatedAt,omitempty"`
	PreviousAuthShares   []PreviousAuthShare `json:"previousAuthShares"`
	SecurityLevel        SecurityLevel       `json:"securityLevel"`
	RecoveryMethods      []RecoveryMethod    `json:"recoveryMethods"`
	RecoveryEmail        string              `json:"recoveryEmail,omitempty"`
	MigratedFromWeb3Auth bool                `json:"migratedFromWeb3Auth,omitempty"`
	MigratedAt           *time.Time          `json:"migratedAt,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// PreviousVersions returns share versions retained in previousAuthShares
func (k *UserKey) PreviousVersions() []int {
	versions := make([]int, 0, len(k.PreviousAuthShares))
	for _, p := range k.PreviousAuthShares {
		versions = append(versions, p.ShareVersion)
	}
	return versions
}

// AuthShareByVersion returns the current share or a retained previous share of the given version
func (k *UserKey) AuthShareByVersion(version int) *EncryptedShare {
	if k.AuthShare != nil && version == k.ShareVersion {
		return k.AuthShare
	}
	for i := range k.PreviousAuthShares {
		if k.PreviousAuthShares[i].ShareVersion == version {
			return &k.PreviousAuthShares[i].AuthShare
		}
	}
	return nil
}

// HasAuthProvider checks if the provider account is linked to the key
func (k *UserKey) HasAuthProvider(link AuthProviderLink) bool {
	for _, p := range k.AuthProviders {
		if p.Type == link.Type && p.ID == link.ID {
			return true
		}
	}
	return false
}
