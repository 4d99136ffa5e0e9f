package recovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailio/go-mailio-keyshare/sss"
)

const maxEmailShareVersion = 0xffff

// FormatVersionedShare prefixes the hex share with its 4 hex digit share version
func FormatVersionedShare(share sss.Share, version int) (string, error) {
	if version < 0 || version > maxEmailShareVersion {
		return "", fmt.Errorf("share version %d out of range", version)
	}
	return fmt.Sprintf("%04x%s", version, share.String()), nil
}

// ParseVersionedShare splits an emailed share into version and share
func ParseVersionedShare(s string) (sss.Share, int, error) {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return nil, 0, sss.ErrInvalidShareEncoding
	}
	v, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("version prefix: %w", sss.ErrInvalidShareEncoding)
	}
	share, err := sss.ParseShare(s[4:])
	if err != nil {
		return nil, 0, err
	}
	return share, int(v), nil
}
