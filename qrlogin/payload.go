package qrlogin

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ErrManualEntryRequired is returned for an unreadable QR code. The flow continues with the
// short code instead.
var ErrManualEntryRequired = errors.New("unreadable qr code, enter the short code")

// QRPayload is what the requester renders as a QR code. Integer keys keep the code small.
type QRPayload struct {
	SessionID string `cbor:"1,keyasint"`
	PublicKey string `cbor:"2,keyasint"`
	ServerURL string `cbor:"3,keyasint"`
}

func EncodeQRPayload(p QRPayload) (string, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseQRPayload decodes and checks a scanned QR code. Anything unusable is ErrManualEntryRequired.
func ParseQRPayload(s string) (*QRPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrManualEntryRequired
	}
	var p QRPayload
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, ErrManualEntryRequired
	}
	if _, err := uuid.Parse(p.SessionID); err != nil {
		return nil, ErrManualEntryRequired
	}
	if _, err := decodeKey(p.PublicKey); err != nil {
		return nil, ErrManualEntryRequired
	}
	u, err := url.Parse(p.ServerURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, ErrManualEntryRequired
	}
	return &p, nil
}

func sameServer(a, b string) bool {
	return strings.TrimRight(strings.ToLower(a), "/") == strings.TrimRight(strings.ToLower(b), "/")
}
