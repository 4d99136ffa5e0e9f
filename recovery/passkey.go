package recovery

import (
	"context"
	"fmt"

	"github.com/mailio/go-mailio-keyshare/types"
)

const prfSaltLen = 32

// PasskeyUser identifies whom a passkey is registered for
type PasskeyUser struct {
	ID          []byte
	Name        string
	DisplayName string
}

// PasskeyCredential is the result of a passkey registration
type PasskeyCredential struct {
	ID []byte
	// Attestation is the raw registration response forwarded to the server, if any
	Attestation []byte
}

// Authenticator is a platform authenticator with the WebAuthn PRF extension.
// Register and PRF must both require user verification.
type Authenticator interface {
	Available() bool
	Register(ctx context.Context, user PasskeyUser) (*PasskeyCredential, error)
	PRF(ctx context.Context, credentialID, salt []byte) ([]byte, error)
}

// NoAuthenticator is used on platforms without passkey support
type NoAuthenticator struct{}

func (NoAuthenticator) Available() bool { return false }

func (NoAuthenticator) Register(ctx context.Context, user PasskeyUser) (*PasskeyCredential, error) {
	return nil, ErrAuthenticatorUnavailable
}

func (NoAuthenticator) PRF(ctx context.Context, credentialID, salt []byte) ([]byte, error) {
	return nil, ErrAuthenticatorUnavailable
}

// EncryptWithPasskey seals the share under the PRF output of the credential
func EncryptWithPasskey(ctx context.Context, auth Authenticator, credentialID, share []byte) (*Envelope, error) {
	if auth == nil || !auth.Available() {
		return nil, ErrAuthenticatorUnavailable
	}
	salt, err := randomBytes(prfSaltLen)
	if err != nil {
		return nil, err
	}
	key, err := auth.PRF(ctx, credentialID, salt)
	if err != nil {
		return nil, fmt.Errorf("passkey prf: %w", err)
	}
	defer wipe(key)
	iv, ct, err := seal(key, share, types.RecoveryMethodPasskey)
	if err != nil {
		return nil, err
	}
	return &Envelope{Ciphertext: ct, IV: iv, Salt: salt}, nil
}

// DecryptWithPasskey evaluates the PRF again (user verification) and opens the envelope
func DecryptWithPasskey(ctx context.Context, auth Authenticator, credentialID []byte, e *Envelope) ([]byte, error) {
	if auth == nil || !auth.Available() {
		return nil, ErrAuthenticatorUnavailable
	}
	if e == nil || len(e.Salt) == 0 {
		return nil, ErrInvalidEnvelope
	}
	key, err := auth.PRF(ctx, credentialID, e.Salt)
	if err != nil {
		return nil, fmt.Errorf("passkey prf: %w", err)
	}
	defer wipe(key)
	if len(key) != 32 {
		return nil, ErrDecryptionFailed
	}
	return open(key, e, types.RecoveryMethodPasskey)
}
