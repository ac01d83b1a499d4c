package domain

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){5}$`)

func TestGenerateCodeFormat(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)

	assert.Regexp(t, codePattern, code)
	assert.NotContains(t, code, "I")
	assert.NotContains(t, code, "O")
	assert.NotContains(t, code, "0")
	assert.NotContains(t, code, "1")
}

func TestGenerateCodeUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %s", code)
		seen[code] = struct{}{}
	}
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABCDEFGH", NormalizeCode(" abcd-efgh "))
	assert.Equal(t, "ABCDEFGH", NormalizeCode("AB CD EF GH"))
	assert.Equal(t, "ABCDEFGH", NormalizeCode("abcd-ef-gh"))
}

func TestDigestRoundTrip(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)

	digest := DigestCode("secret-a", code)
	assert.NotEqual(t, code, digest)
	assert.NotContains(t, digest, strings.ReplaceAll(code, "-", ""))

	assert.True(t, VerifyCode("secret-a", code, digest))
	assert.True(t, VerifyCode("secret-a", strings.ToLower(code), digest))
	assert.False(t, VerifyCode("secret-b", code, digest))
	assert.False(t, VerifyCode("secret-a", code[1:], digest))
}

func TestDigestIsDeterministicPerSecret(t *testing.T) {
	assert.Equal(t, DigestCode("s", "AAAA-BBBB"), DigestCode("s", "aaaa bbbb"))
	assert.NotEqual(t, DigestCode("s", "AAAA-BBBB"), DigestCode("t", "AAAA-BBBB"))
}
