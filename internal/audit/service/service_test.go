package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/habitloop/habitloop/internal/audit/domain"
	auditrepository "github.com/habitloop/habitloop/internal/audit/repository"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/usercontext"
	"github.com/habitloop/habitloop/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (auditdomain.Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	fakeClock := clock.NewFakeClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(8)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: fakeClock,
		Repo:  auditrepository.Provide(),
	})
	return svc, db, fakeClock, node
}

func TestAuditLogWritesEntry(t *testing.T) {
	svc, db, _, node := newTestService(t)
	userID := node.Generate()
	targetID := node.Generate().String()

	err := svc.AuditLog(context.Background(), &userID, "user", nil, "redemption.completed", "redemption", &targetID, map[string]any{
		"template_slug": "ten-percent-off",
	})
	require.NoError(t, err)

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry, "action = ?", "redemption.completed").Error)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, userID, *entry.UserID)
	assert.Equal(t, "redemption", entry.TargetType)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, targetID, *entry.TargetID)
	assert.Equal(t, "ten-percent-off", entry.Metadata["template_slug"])
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _, _, node := newTestService(t)
	userID := node.Generate()
	assert.ErrorIs(t, svc.AuditLog(context.Background(), &userID, "user", nil, "  ", "redemption", nil, nil), auditdomain.ErrInvalidAction)
}

func TestAuditLogFallsBackToContextUser(t *testing.T) {
	svc, db, _, node := newTestService(t)
	userID := node.Generate()
	ctx := usercontext.WithUserID(context.Background(), userID)

	require.NoError(t, svc.AuditLog(ctx, nil, "user", nil, "event.reviewed", "points_event", nil, nil))

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry, "action = ?", "event.reviewed").Error)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, userID, *entry.UserID)
}

func listPage(size int, token string) pagination.Pagination {
	return pagination.Pagination{PageSize: size, PageToken: token}
}

func TestListPaginatesWithCursor(t *testing.T) {
	svc, _, fakeClock, node := newTestService(t)
	userID := node.Generate()
	ctx := usercontext.WithUserID(context.Background(), userID)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.AuditLog(ctx, &userID, "user", nil, "redemption.completed", "redemption", nil, nil))
		fakeClock.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, first.AuditLogs, 5)
	assert.False(t, first.HasMore)

	page, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: listPage(2, ""),
	})
	require.NoError(t, err)
	require.Len(t, page.AuditLogs, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	next, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: listPage(2, page.NextPageToken),
	})
	require.NoError(t, err)
	require.Len(t, next.AuditLogs, 2)
	assert.True(t, next.AuditLogs[0].CreatedAt.Before(page.AuditLogs[1].CreatedAt))

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: listPage(2, "not-base64!!"),
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestListRequiresUserContextAndValidRange(t *testing.T) {
	svc, _, fakeClock, node := newTestService(t)

	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidUser)

	ctx := usercontext.WithUserID(context.Background(), node.Generate())
	start := fakeClock.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
