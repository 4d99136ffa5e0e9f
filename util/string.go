package util

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// Decodes a string to int (0 if invalid)
func StringToInt(str string) int {
	atoi, err := strconv.Atoi(str)
	if err != nil {
		return 0
	}
	return atoi
}

func FixAndDecodeURLBase64(base64String string) ([]byte, error) {
	base64String = strings.TrimRight(base64String, "=")
	switch len(base64String) % 4 {
	case 2:
		base64String += "=="
	case 3:
		base64String += "="
	}

	return base64.URLEncoding.DecodeString(base64String)
}

func IsNilOrEmpty(s *string) bool {
	return s == nil || *s == ""
}

func DeepCopy(src, dest interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail hides most of the local part and domain name: alice@example.com -> a***e@e*****.com
func MaskEmail(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	local, domain := email[:at], email[at+1:]

	tld := ""
	if dot := strings.LastIndexByte(domain, '.'); dot > 0 {
		domain, tld = domain[:dot], domain[dot:]
	}
	return maskPart(local, true) + "@" + maskPart(domain, false) + tld
}

func maskPart(s string, keepLast bool) string {
	r := []rune(s)
	switch {
	case len(r) <= 1:
		return "*"
	case len(r) == 2 || !keepLast:
		return string(r[0]) + strings.Repeat("*", len(r)-1)
	default:
		return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
	}
}
