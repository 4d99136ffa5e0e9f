package recovery

import (
	"fmt"

	"github.com/mailio/go-mailio-keyshare/types"
	"golang.org/x/crypto/argon2"
)

const (
	KDFArgon2id = "argon2id"
	saltLen     = 16
)

// KDFParams are the Argon2id cost parameters stored next to the ciphertext
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memoryKiB"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"keyLen"`
}

var (
	DefaultKDFParams = KDFParams{Algorithm: KDFArgon2id, Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4, KeyLen: 32}

	// MinKDFParams is the floor below which stored parameters are refused
	MinKDFParams = KDFParams{Algorithm: KDFArgon2id, Time: 2, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32}

	// MaxKDFParams caps what a stored envelope or backup file can make this device spend
	MaxKDFParams = KDFParams{Algorithm: KDFArgon2id, Time: 10, MemoryKiB: 1024 * 1024, Parallelism: 16, KeyLen: 32}
)

// Validate enforces the parameter floor and ceiling
func (p KDFParams) Validate() error {
	if p.Algorithm != KDFArgon2id {
		return fmt.Errorf("algorithm %q: %w", p.Algorithm, ErrWeakKDFParams)
	}
	if p.Time < MinKDFParams.Time || p.MemoryKiB < MinKDFParams.MemoryKiB || p.Parallelism < MinKDFParams.Parallelism {
		return fmt.Errorf("t=%d m=%d p=%d: %w", p.Time, p.MemoryKiB, p.Parallelism, ErrWeakKDFParams)
	}
	if p.Time > MaxKDFParams.Time || p.MemoryKiB > MaxKDFParams.MemoryKiB || p.Parallelism > MaxKDFParams.Parallelism {
		return fmt.Errorf("t=%d m=%d p=%d: %w", p.Time, p.MemoryKiB, p.Parallelism, ErrExcessiveKDFParams)
	}
	if p.KeyLen != MinKDFParams.KeyLen {
		return fmt.Errorf("key length %d: %w", p.KeyLen, ErrWeakKDFParams)
	}
	return nil
}

// DeriveKey runs Argon2id over the password
func (p KDFParams) DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
}

// EncryptWithPassword seals the share under an Argon2id password key
func EncryptWithPassword(share []byte, password string, params KDFParams) (*Envelope, error) {
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	salt, err := randomBytes(saltLen)
	if err != nil {
		return nil, err
	}
	key := params.DeriveKey(password, salt)
	defer wipe(key)
	iv, ct, err := seal(key, share, types.RecoveryMethodPassword)
	if err != nil {
		return nil, err
	}
	p := params
	return &Envelope{Ciphertext: ct, IV: iv, Salt: salt, KDFParams: &p}, nil
}

// DecryptWithPassword opens a password envelope
func DecryptWithPassword(e *Envelope, password string) ([]byte, error) {
	if e == nil || e.KDFParams == nil || len(e.Salt) == 0 {
		return nil, ErrInvalidEnvelope
	}
	if err := e.KDFParams.Validate(); err != nil {
		return nil, err
	}
	key := e.KDFParams.DeriveKey(password, e.Salt)
	defer wipe(key)
	return open(key, e, types.RecoveryMethodPassword)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
