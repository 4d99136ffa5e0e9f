package recovery

import "github.com/mailio/go-mailio-keyshare/types"

// Method is one recovery method. Each variant carries only what its derivation needs.
type Method interface {
	Type() types.RecoveryMethodType
	isMethod()
}

// PasswordMethod derives the key with Argon2id
type PasswordMethod struct {
	Password string
}

// PasskeyMethod derives the key from the PRF of a platform authenticator.
// CredentialID is empty when registering a new passkey.
type PasskeyMethod struct {
	CredentialID string
}

// PhraseMethod carries the recovery share as words. Phrase is empty when generating one.
type PhraseMethod struct {
	Phrase string
}

// BackupMethod is a password sealed backup file. File is empty when exporting one.
type BackupMethod struct {
	File     []byte
	Password string
}

// EmailMethod relays the versioned recovery share to a mailbox
// (Email on setup, EmailShare on recovery).
type EmailMethod struct {
	Email      string
	EmailShare string
}

func (PasswordMethod) Type() types.RecoveryMethodType { return types.RecoveryMethodPassword }
func (PasskeyMethod) Type() types.RecoveryMethodType  { return types.RecoveryMethodPasskey }
func (PhraseMethod) Type() types.RecoveryMethodType   { return types.RecoveryMethodPhrase }
func (BackupMethod) Type() types.RecoveryMethodType   { return types.RecoveryMethodBackup }
func (EmailMethod) Type() types.RecoveryMethodType    { return types.RecoveryMethodEmail }

func (PasswordMethod) isMethod() {}
func (PasskeyMethod) isMethod()  {}
func (PhraseMethod) isMethod()   {}
func (BackupMethod) isMethod()   {}
func (EmailMethod) isMethod()    {}
