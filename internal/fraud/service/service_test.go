package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/habitloop/habitloop/internal/clock"
	frauddomain "github.com/habitloop/habitloop/internal/fraud/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (frauddomain.Service, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&frauddomain.FraudInsight{}))

	fakeClock := clock.NewFakeClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	svc := NewService(Params{DB: db, Log: zaptest.NewLogger(t), GenID: node, Clock: fakeClock})
	return svc, fakeClock, node
}

func TestRecordAndList(t *testing.T) {
	svc, fakeClock, node := newTestService(t)
	userID := node.Generate()
	eventID := node.Generate()

	insight, err := svc.Record(context.Background(), frauddomain.RecordRequest{
		UserID:   userID,
		Kind:     frauddomain.InsightKindLowTrustScore,
		Severity: frauddomain.SeverityHigh,
		Score:    12,
		EventIDs: []int64{eventID.Int64()},
		Detail:   map[string]any{"threshold": 30},
	})
	require.NoError(t, err)
	assert.False(t, insight.Resolved)
	assert.Equal(t, fakeClock.Now(), insight.CreatedAt)

	insights, err := svc.ListByUser(context.Background(), userID, false, 10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, frauddomain.InsightKindLowTrustScore, insights[0].Kind)
}

func TestResolveRemovesFromUnresolvedCount(t *testing.T) {
	svc, fakeClock, node := newTestService(t)
	userID := node.Generate()
	since := fakeClock.Now().Add(-time.Hour)

	insight, err := svc.Record(context.Background(), frauddomain.RecordRequest{
		UserID:   userID,
		Kind:     frauddomain.InsightKindVelocityAnomaly,
		Severity: frauddomain.SeverityMedium,
	})
	require.NoError(t, err)

	count, err := svc.UnresolvedCountSince(context.Background(), userID, since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, svc.Resolve(context.Background(), insight.ID, "ops@habitloop"))

	count, err = svc.UnresolvedCountSince(context.Background(), userID, since)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Already resolved, nothing to flip.
	assert.ErrorIs(t, svc.Resolve(context.Background(), insight.ID, "ops@habitloop"), frauddomain.ErrInsightNotFound)

	// Resolved insights still show up when asked for.
	all, err := svc.ListByUser(context.Background(), userID, true, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved)
	unresolved, err := svc.ListByUser(context.Background(), userID, false, 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestUnresolvedCountSinceHonorsWindow(t *testing.T) {
	svc, fakeClock, node := newTestService(t)
	userID := node.Generate()

	_, err := svc.Record(context.Background(), frauddomain.RecordRequest{
		UserID:   userID,
		Kind:     frauddomain.InsightKindReplayedPayload,
		Severity: frauddomain.SeverityLow,
	})
	require.NoError(t, err)

	fakeClock.Advance(48 * time.Hour)
	count, err := svc.UnresolvedCountSince(context.Background(), userID, fakeClock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}
