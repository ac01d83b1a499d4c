package nonce

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge bounds the replay window for submitted nonces.
const DefaultMaxAge = 7 * 24 * time.Hour

// futureSkew tolerates small clock drift between client and server.
const futureSkew = 5 * time.Minute

var (
	ErrMalformed = errors.New("malformed_nonce")
	ErrExpired   = errors.New("nonce_expired")
	ErrFromFuture = errors.New("nonce_from_future")
)

// Generate returns a nonce of the form <base36 unix seconds>-<16 hex chars>.
func Generate(now time.Time) (string, error) {
	entropy := make([]byte, 8)
	if _, err := rand.Read(entropy); err != nil {
		return "", err
	}
	ts := strconv.FormatInt(now.UTC().Unix(), 36)
	return ts + "-" + hex.EncodeToString(entropy), nil
}

// Validate rejects malformed nonces and nonces whose embedded timestamp is
// older than maxAge or in the future.
func Validate(value string, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	value = strings.TrimSpace(value)
	parts := strings.Split(value, "-")
	if len(parts) != 2 {
		return ErrMalformed
	}
	tsPart, entropyPart := parts[0], parts[1]
	if tsPart == "" || len(entropyPart) != 16 {
		return ErrMalformed
	}
	if _, err := hex.DecodeString(entropyPart); err != nil {
		return ErrMalformed
	}

	unix, err := strconv.ParseInt(tsPart, 36, 64)
	if err != nil || unix <= 0 {
		return ErrMalformed
	}

	issued := time.Unix(unix, 0).UTC()
	now = now.UTC()
	if issued.After(now.Add(futureSkew)) {
		return ErrFromFuture
	}
	if now.Sub(issued) > maxAge {
		return ErrExpired
	}
	return nil
}
