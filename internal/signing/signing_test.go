package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner("whsec_test", DefaultTolerance)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	payload := []byte(`{"event_id":"evt_1","type":"membership.updated"}`)

	header := signer.Sign(payload, now)
	require.True(t, strings.HasPrefix(header, "t="))

	assert.NoError(t, signer.Verify(payload, header, now))
	assert.NoError(t, signer.Verify(payload, header, now.Add(4*time.Minute)))
	assert.NoError(t, signer.Verify(payload, header, now.Add(-4*time.Minute)))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer := NewSigner("whsec_test", DefaultTolerance)
	now := time.Now().UTC()

	header := signer.Sign([]byte(`{"tier":"free"}`), now)
	err := signer.Verify([]byte(`{"tier":"premium"}`), header, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Now().UTC()
	payload := []byte(`{}`)

	header := NewSigner("secret-a", DefaultTolerance).Sign(payload, now)
	err := NewSigner("secret-b", DefaultTolerance).Verify(payload, header, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	signer := NewSigner("whsec_test", DefaultTolerance)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	payload := []byte(`{}`)

	header := signer.Sign(payload, now)
	assert.ErrorIs(t, signer.Verify(payload, header, now.Add(6*time.Minute)), ErrStaleTimestamp)
	assert.ErrorIs(t, signer.Verify(payload, header, now.Add(-6*time.Minute)), ErrStaleTimestamp)
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	signer := NewSigner("whsec_test", DefaultTolerance)
	now := time.Now().UTC()
	payload := []byte(`{}`)

	cases := []string{
		"",
		"v1=abc",
		"t=123",
		"t=abc,v1=def",
		"t=-5,v1=def",
	}
	for _, header := range cases {
		assert.ErrorIs(t, signer.Verify(payload, header, now), ErrInvalidSignature, "header=%q", header)
	}
}

func TestVerifyAcceptsAnyMatchingSignature(t *testing.T) {
	signer := NewSigner("whsec_test", DefaultTolerance)
	now := time.Now().UTC()
	payload := []byte(`{}`)

	// A header may carry signatures from both the rotated and current key.
	withExtra := signer.Sign(payload, now) + ",v1=deadbeef"
	assert.NoError(t, signer.Verify(payload, withExtra, now))
}
