package domain

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
)

// codeAlphabet excludes visually ambiguous symbols (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 24
	groupSize  = 4
)

var codeEncoding = base32.NewEncoding(codeAlphabet).WithPadding(base32.NoPadding)

// GenerateCode returns a human-readable coupon code in 4-character groups.
// 24 symbols over a 32-symbol alphabet carry 120 bits of entropy.
func GenerateCode() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	encoded := codeEncoding.EncodeToString(raw)[:codeLength]
	groups := make([]string, 0, codeLength/groupSize)
	for i := 0; i < codeLength; i += groupSize {
		groups = append(groups, encoded[i:i+groupSize])
	}
	return strings.Join(groups, "-"), nil
}

// NormalizeCode strips separators and case so digests are stable across
// user formatting.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// DigestCode returns the keyed digest stored in place of the plaintext.
func DigestCode(secret, code string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(NormalizeCode(code)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCode recomputes the digest from a submitted code and compares in
// constant structure.
func VerifyCode(secret, code, digest string) bool {
	expected := DigestCode(secret, code)
	return hmac.Equal([]byte(expected), []byte(digest))
}
