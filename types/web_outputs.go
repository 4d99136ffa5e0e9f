package types

import "encoding/json"

type OutputAuthShare struct {
	Exists              bool                 `json:"exists"`
	AuthShare           *string              `json:"authShare"`
	PrimaryDID          string               `json:"primaryDid,omitempty"`
	SecurityLevel       SecurityLevel        `json:"securityLevel,omitempty"`
	RecoveryMethods     []RecoveryMethodInfo `json:"recoveryMethods"`
	KeyProvider         KeyProvider          `json:"keyProvider,omitempty"`
	ShareVersion        int                  `json:"shareVersion"`
	MaskedRecoveryEmail *string              `json:"maskedRecoveryEmail"`
}

type OutputStoreAuthShare struct {
	Success      bool `json:"success"`
	ShareVersion int  `json:"shareVersion"`
}

type OutputRecoveryShare struct {
	Type           RecoveryMethodType `json:"type"`
	CredentialID   string             `json:"credentialId,omitempty"`
	EncryptedShare json.RawMessage    `json:"encryptedShare,omitempty"`
	ShareVersion   *int               `json:"shareVersion,omitempty"`
}

type OutputSuccess struct {
	Success bool `json:"success"`
}
