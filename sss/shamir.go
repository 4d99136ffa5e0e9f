package sss

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/shamir"
)

const (
	// DefaultTotalShares is the number of shares a key is split into (device, auth, recovery)
	DefaultTotalShares = 3
	// DefaultThreshold is the number of shares required to reconstruct the key
	DefaultThreshold = 2

	// threshold byte + at least one secret byte + x-coordinate tag
	minShareLength = 3
)

var (
	// ErrInsufficientShares is returned when fewer than threshold distinct shares are combined
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInvalidShareEncoding is returned for malformed, truncated or inconsistent shares
	ErrInvalidShareEncoding = errors.New("invalid share encoding")

	// ErrVerificationFailed is returned when a freshly split share set does not reconstruct the key
	ErrVerificationFailed = errors.New("share verification failed")
)

// Share is a single Shamir share. The first byte is the reconstruction threshold,
// the remainder is the share polynomial evaluation followed by its x-coordinate.
type Share []byte

// Threshold returns the number of shares required to reconstruct the secret
func (s Share) Threshold() int {
	if len(s) == 0 {
		return 0
	}
	return int(s[0])
}

// X returns the x-coordinate tag of the share
func (s Share) X() byte {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// String returns the hex encoding of the share
func (s Share) String() string {
	return hex.EncodeToString(s)
}

// Validate checks the structural integrity of a single share
func (s Share) Validate() error {
	if len(s) < minShareLength {
		return fmt.Errorf("share too short (%d bytes): %w", len(s), ErrInvalidShareEncoding)
	}
	if s.Threshold() < 2 {
		return fmt.Errorf("threshold %d: %w", s.Threshold(), ErrInvalidShareEncoding)
	}
	if s.X() == 0 {
		return fmt.Errorf("zero x-coordinate: %w", ErrInvalidShareEncoding)
	}
	return nil
}

// ParseShare decodes a hex encoded share
func ParseShare(h string) (Share, error) {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidShareEncoding)
	}
	s := Share(b)
	if vErr := s.Validate(); vErr != nil {
		return nil, vErr
	}
	return s, nil
}

// Split divides the secret into totalShares shares of which any threshold reconstruct it
func Split(secret []byte, totalShares, threshold int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, errors.New("cannot split an empty secret")
	}
	if threshold < 2 || threshold > 255 {
		return nil, fmt.Errorf("invalid threshold %d", threshold)
	}
	if totalShares < threshold || totalShares > 255 {
		return nil, fmt.Errorf("total shares (%d) must be between threshold (%d) and 255", totalShares, threshold)
	}

	parts, err := shamir.Split(secret, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]Share, len(parts))
	for i, p := range parts {
		s := make(Share, 0, len(p)+1)
		s = append(s, byte(threshold))
		s = append(s, p...)
		shares[i] = s
		wipeBytes(p)
	}
	return shares, nil
}

// Combine reconstructs the secret from at least threshold distinct shares
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}

	threshold := shares[0].Threshold()
	length := len(shares[0])
	byX := make(map[byte]Share, len(shares))
	for _, s := range shares {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Threshold() != threshold || len(s) != length {
			return nil, fmt.Errorf("shares from different splits: %w", ErrInvalidShareEncoding)
		}
		if existing, ok := byX[s.X()]; ok {
			if !bytes.Equal(existing, s) {
				return nil, fmt.Errorf("conflicting shares for x=%d: %w", s.X(), ErrInvalidShareEncoding)
			}
			continue
		}
		byX[s.X()] = s
	}
	if len(byX) < threshold {
		return nil, fmt.Errorf("have %d of %d: %w", len(byX), threshold, ErrInsufficientShares)
	}

	parts := make([][]byte, 0, threshold)
	for _, s := range byX {
		parts = append(parts, []byte(s[1:]))
		if len(parts) == threshold {
			break
		}
	}
	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidShareEncoding)
	}
	return secret, nil
}

// Wipe zeroes a secret buffer in place
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
