package sss

import (
	"bytes"
	"fmt"
)

// ShareSet is the triple produced by one split of a private key
type ShareSet struct {
	Device   Share
	Auth     Share
	Recovery Share
	// Version is assigned by the server once the auth share is stored
	Version int
}

// Wipe zeroes all shares in the set
func (s *ShareSet) Wipe() {
	if s == nil {
		return
	}
	wipeBytes(s.Device)
	wipeBytes(s.Auth)
	wipeBytes(s.Recovery)
}

// SplitKey splits a private key into a 2-of-3 device/auth/recovery share set
func SplitKey(key []byte) (*ShareSet, error) {
	shares, err := Split(key, DefaultTotalShares, DefaultThreshold)
	if err != nil {
		return nil, err
	}
	return &ShareSet{
		Device:   shares[0],
		Auth:     shares[1],
		Recovery: shares[2],
	}, nil
}

// SplitAndVerify splits the key and checks every pair of shares reconstructs it
// before the shares are handed out.
func SplitAndVerify(key []byte) (*ShareSet, error) {
	set, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	pairs := [][2]Share{
		{set.Device, set.Auth},
		{set.Device, set.Recovery},
		{set.Auth, set.Recovery},
	}
	for i, p := range pairs {
		got, cErr := Combine([]Share{p[0], p[1]})
		if cErr != nil {
			set.Wipe()
			return nil, fmt.Errorf("pair %d: %v: %w", i, cErr, ErrVerificationFailed)
		}
		ok := bytes.Equal(got, key)
		wipeBytes(got)
		if !ok {
			set.Wipe()
			return nil, fmt.Errorf("pair %d reconstructs a different key: %w", i, ErrVerificationFailed)
		}
	}
	return set, nil
}
