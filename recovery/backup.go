package recovery

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackupFileVersion is the only backup envelope version this package reads
const BackupFileVersion = 1

// BackupFile is an offline copy of the recovery share sealed with a password
type BackupFile struct {
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	PrimaryDID     string    `json:"primaryDid"`
	ShareVersion   *int      `json:"shareVersion,omitempty"`
	EncryptedShare Envelope  `json:"encryptedShare"`
}

// NewBackupFile seals the recovery share into a version 1 backup file
func NewBackupFile(share []byte, password, primaryDID string, shareVersion *int, params KDFParams) (*BackupFile, error) {
	env, err := EncryptWithPassword(share, password, params)
	if err != nil {
		return nil, err
	}
	return &BackupFile{
		Version:        BackupFileVersion,
		CreatedAt:      time.Now().UTC(),
		PrimaryDID:     primaryDID,
		ShareVersion:   shareVersion,
		EncryptedShare: *env,
	}, nil
}

// Marshal encodes the backup file as indented JSON
func (b *BackupFile) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// ParseBackupFile decodes a backup file, refusing unknown versions
func ParseBackupFile(data []byte) (*BackupFile, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidEnvelope)
	}
	if head.Version != BackupFileVersion {
		return nil, fmt.Errorf("version %d: %w", head.Version, ErrUnsupportedBackupVersion)
	}
	var b BackupFile
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidEnvelope)
	}
	if len(b.EncryptedShare.Ciphertext) == 0 {
		return nil, ErrInvalidEnvelope
	}
	return &b, nil
}

// Open decrypts the recovery share of the backup
func (b *BackupFile) Open(password string) ([]byte, error) {
	return DecryptWithPassword(&b.EncryptedShare, password)
}
