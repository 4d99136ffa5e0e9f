package types

import "encoding/json"

// AuthenticatedInput carries the identity token of a key API call
type AuthenticatedInput struct {
	AuthToken    string           `json:"authToken" validate:"required"`
	ProviderType AuthProviderType `json:"providerType" validate:"required,oneof=firebase supertokens keycloak oidc"`
}

// for get-auth-share
type InputGetAuthShare struct {
	AuthenticatedInput
	ShareVersion *int `json:"shareVersion,omitempty" validate:"omitempty,min=1"`
}

// for store-auth-share
type InputStoreAuthShare struct {
	AuthenticatedInput
	AuthShare     string        `json:"authShare" validate:"required,hexadecimal"`
	PrimaryDID    string        `json:"primaryDid" validate:"required,startswith=did:"`
	SecurityLevel SecurityLevel `json:"securityLevel,omitempty" validate:"omitempty,oneof=basic enhanced advanced"`
}

// for add-recovery-method
type InputAddRecoveryMethod struct {
	AuthenticatedInput
	Type           RecoveryMethodType `json:"type" validate:"required,oneof=password passkey phrase backup email"`
	CredentialID   string             `json:"credentialId,omitempty" validate:"required_if=Type passkey"`
	EncryptedShare json.RawMessage    `json:"encryptedShare,omitempty"`
	ShareVersion   *int               `json:"shareVersion,omitempty" validate:"omitempty,min=1"`
	RecoveryEmail  string             `json:"recoveryEmail,omitempty" validate:"omitempty,email"`
}

// for get-recovery-share
type InputGetRecoveryShare struct {
	AuthenticatedInput
	Type         RecoveryMethodType `json:"type" validate:"required,oneof=password passkey phrase backup email"`
	CredentialID string             `json:"credentialId,omitempty"`
}

// for email relay of a versioned recovery share
type InputEmailBackup struct {
	AuthenticatedInput
	EmailShare string `json:"emailShare" validate:"required,hexadecimal"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
}
