package payloadhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Hash produces a stable hex digest over the canonical form of an event.
// Identical logical payloads hash identically regardless of key order, so
// the digest serves as half of the event idempotency key.
func Hash(userID snowflake.ID, eventType string, occurredAt time.Time, nonce string, payload map[string]any) (string, error) {
	envelope := map[string]any{
		"user_id":     userID.Int64(),
		"event_type":  eventType,
		"occurred_at": occurredAt.UTC().Format(time.RFC3339),
		"nonce":       nonce,
		"payload":     normalize(payload),
	}

	// encoding/json writes map keys in sorted order, which gives us the
	// canonical byte form for free.
	canonical, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(value any) any {
	switch cast := value.(type) {
	case nil:
		return nil
	case time.Time:
		return cast.UTC().Format(time.RFC3339)
	case *time.Time:
		if cast == nil {
			return nil
		}
		return cast.UTC().Format(time.RFC3339)
	case map[string]any:
		if cast == nil {
			return nil
		}
		out := make(map[string]any, len(cast))
		for key, item := range cast {
			out[key] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, normalize(item))
		}
		return out
	default:
		return value
	}
}
