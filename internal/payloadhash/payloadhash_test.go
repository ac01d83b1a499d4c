package payloadhash

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsKeyOrderInvariant(t *testing.T) {
	userID := snowflake.ID(1001)
	occurred := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	first, err := Hash(userID, "habit_completion", occurred, "n-1", map[string]any{
		"habit_id": "hydrate",
		"count":    3,
		"tags":     []any{"morning", "health"},
	})
	require.NoError(t, err)

	second, err := Hash(userID, "habit_completion", occurred, "n-1", map[string]any{
		"tags":     []any{"morning", "health"},
		"count":    3,
		"habit_id": "hydrate",
	})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestHashChangesWithAnyEnvelopeField(t *testing.T) {
	userID := snowflake.ID(1001)
	occurred := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	payload := map[string]any{"habit_id": "hydrate"}

	base, err := Hash(userID, "habit_completion", occurred, "n-1", payload)
	require.NoError(t, err)

	otherNonce, err := Hash(userID, "habit_completion", occurred, "n-2", payload)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherNonce)

	otherUser, err := Hash(snowflake.ID(1002), "habit_completion", occurred, "n-1", payload)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherUser)

	otherType, err := Hash(userID, "workout_completion", occurred, "n-1", payload)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherType)

	otherTime, err := Hash(userID, "habit_completion", occurred.Add(time.Second), "n-1", payload)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherTime)
}

func TestHashNormalizesNestedTimes(t *testing.T) {
	userID := snowflake.ID(7)
	occurred := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	local := occurred.In(time.FixedZone("UTC+7", 7*3600))

	utcForm, err := Hash(userID, "goal_achieved", occurred, "n-1", map[string]any{
		"completed_at": occurred,
	})
	require.NoError(t, err)

	localForm, err := Hash(userID, "goal_achieved", occurred, "n-1", map[string]any{
		"completed_at": local,
	})
	require.NoError(t, err)

	assert.Equal(t, utcForm, localForm)
}

func TestHashNilPayload(t *testing.T) {
	first, err := Hash(snowflake.ID(1), "habit_completion", time.Unix(1700000000, 0), "n-1", nil)
	require.NoError(t, err)
	second, err := Hash(snowflake.ID(1), "habit_completion", time.Unix(1700000000, 0), "n-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
