package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how stale a signed notification may be.
const DefaultTolerance = 5 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrStaleTimestamp   = errors.New("stale_timestamp")
)

// Signer computes and verifies keyed signatures over timestamped payloads.
// The signed form is "<unix timestamp>.<payload>".
type Signer struct {
	secret    []byte
	tolerance time.Duration
}

func NewSigner(secret string, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Signer{
		secret:    []byte(secret),
		tolerance: tolerance,
	}
}

// Sign returns a signature header value of the form "t=<unix>,v1=<hex>".
func (s *Signer) Sign(payload []byte, now time.Time) string {
	ts := now.UTC().Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, s.compute(ts, payload))
}

// Verify checks a signature header against the payload. The embedded
// timestamp must fall within the tolerance window around now.
func (s *Signer) Verify(payload []byte, header string, now time.Time) error {
	ts, signatures, err := parseHeader(header)
	if err != nil {
		return ErrInvalidSignature
	}

	issued := time.Unix(ts, 0).UTC()
	drift := now.UTC().Sub(issued)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.tolerance {
		return ErrStaleTimestamp
	}

	expected := s.compute(ts, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (s *Signer) compute(ts int64, payload []byte) string {
	signed := fmt.Sprintf("%d.%s", ts, string(payload))
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(signed))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (int64, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, errors.New("empty header")
	}

	var ts int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		switch pair[0] {
		case "t":
			parsed, err := strconv.ParseInt(pair[1], 10, 64)
			if err != nil || parsed <= 0 {
				return 0, nil, errors.New("invalid timestamp")
			}
			ts = parsed
		case "v1":
			if sig := strings.TrimSpace(pair[1]); sig != "" {
				signatures = append(signatures, sig)
			}
		}
	}

	if ts == 0 || len(signatures) == 0 {
		return 0, nil, errors.New("incomplete header")
	}
	return ts, signatures, nil
}
