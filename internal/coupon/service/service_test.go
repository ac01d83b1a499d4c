package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/config"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testEnv struct {
	svc   coupondomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&coupondomain.CouponTemplate{}, &coupondomain.Coupon{}))

	fakeClock := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	svc := NewService(Params{
		Config: config.Config{CouponSecret: "coupon-test-secret"},
		DB:     db,
		Log:    zaptest.NewLogger(t),
		GenID:  node,
		Clock:  fakeClock,
	})
	return &testEnv{svc: svc, db: db, clock: fakeClock, node: node}
}

func (e *testEnv) issue(t *testing.T, userID snowflake.ID, code string, ttl time.Duration) *coupondomain.Coupon {
	t.Helper()
	var issued *coupondomain.Coupon
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		issued, err = e.svc.IssueTx(context.Background(), tx, coupondomain.IssueRequest{
			UserID:     userID,
			TemplateID: e.node.Generate(),
			CostPaid:   50,
			Code:       code,
			ExpiresAt:  e.clock.Now().Add(ttl),
		})
		return err
	})
	require.NoError(t, err)
	return issued
}

func TestIssueStoresDigestNotPlaintext(t *testing.T) {
	env := newTestEnv(t)
	userID := env.node.Generate()
	code, err := coupondomain.GenerateCode()
	require.NoError(t, err)

	coupon := env.issue(t, userID, code, 24*time.Hour)

	assert.Equal(t, coupondomain.CouponStatusIssued, coupon.Status)
	assert.True(t, coupon.SingleUse)
	assert.NotEqual(t, code, coupon.CodeDigest)
	assert.True(t, coupondomain.VerifyCode("coupon-test-secret", code, coupon.CodeDigest))
	assert.False(t, coupondomain.VerifyCode("other-secret", code, coupon.CodeDigest))
}

func TestIssueRequiresTransaction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.IssueTx(context.Background(), nil, coupondomain.IssueRequest{
		UserID:     env.node.Generate(),
		TemplateID: env.node.Generate(),
		Code:       "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF",
		ExpiresAt:  env.clock.Now().Add(time.Hour),
	})
	assert.Error(t, err)
}

func TestConsumeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	userID := env.node.Generate()
	code, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	coupon := env.issue(t, userID, code, 24*time.Hour)

	result, err := env.svc.Consume(context.Background(), userID, code)
	require.NoError(t, err)
	assert.Equal(t, coupon.ID, result.CouponID)
	assert.Equal(t, env.clock.Now(), result.RedeemedAt)

	_, err = env.svc.Consume(context.Background(), userID, code)
	assert.ErrorIs(t, err, coupondomain.ErrCouponNotIssued)
}

func TestConsumeRejectsWrongUserAndUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()
	stranger := env.node.Generate()
	code, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	env.issue(t, owner, code, 24*time.Hour)

	_, err = env.svc.Consume(context.Background(), stranger, code)
	assert.ErrorIs(t, err, coupondomain.ErrInvalidCode)

	_, err = env.svc.Consume(context.Background(), owner, "ZZZZ-ZZZZ-ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, coupondomain.ErrInvalidCode)
}

func TestConsumeRejectsExpiredCoupon(t *testing.T) {
	env := newTestEnv(t)
	userID := env.node.Generate()
	code, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	env.issue(t, userID, code, time.Hour)

	env.clock.Advance(2 * time.Hour)
	_, err = env.svc.Consume(context.Background(), userID, code)
	assert.ErrorIs(t, err, coupondomain.ErrCouponNotIssued)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	userID := env.node.Generate()
	code, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	coupon := env.issue(t, userID, code, 24*time.Hour)

	require.NoError(t, env.svc.Revoke(context.Background(), coupon.ID))
	assert.ErrorIs(t, env.svc.Revoke(context.Background(), coupon.ID), coupondomain.ErrCouponNotIssued)

	_, err = env.svc.Consume(context.Background(), userID, code)
	assert.ErrorIs(t, err, coupondomain.ErrCouponNotIssued)
}

func TestExpireDueFlipsOnlyOverdueIssuedCoupons(t *testing.T) {
	env := newTestEnv(t)
	userID := env.node.Generate()

	overdueCode, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	overdue := env.issue(t, userID, overdueCode, time.Hour)

	liveCode, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	live := env.issue(t, userID, liveCode, 72*time.Hour)

	redeemedCode, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	redeemed := env.issue(t, userID, redeemedCode, time.Hour)
	_, err = env.svc.Consume(context.Background(), userID, redeemedCode)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	flipped, err := env.svc.ExpireDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flipped)

	status := func(id snowflake.ID) coupondomain.CouponStatus {
		var c coupondomain.Coupon
		require.NoError(t, env.db.First(&c, "id = ?", id).Error)
		return c.Status
	}
	assert.Equal(t, coupondomain.CouponStatusExpired, status(overdue.ID))
	assert.Equal(t, coupondomain.CouponStatusIssued, status(live.ID))
	assert.Equal(t, coupondomain.CouponStatusRedeemed, status(redeemed.ID))
}

func TestCountIssuedForUserExcludesRevoked(t *testing.T) {
	env := newTestEnv(t)
	userID := env.node.Generate()
	templateID := env.node.Generate()

	issueForTemplate := func(code string) *coupondomain.Coupon {
		var issued *coupondomain.Coupon
		err := env.db.Transaction(func(tx *gorm.DB) error {
			var err error
			issued, err = env.svc.IssueTx(context.Background(), tx, coupondomain.IssueRequest{
				UserID:     userID,
				TemplateID: templateID,
				Code:       code,
				ExpiresAt:  env.clock.Now().Add(24 * time.Hour),
			})
			return err
		})
		require.NoError(t, err)
		return issued
	}

	first, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	second, err := coupondomain.GenerateCode()
	require.NoError(t, err)
	issueForTemplate(first)
	revoked := issueForTemplate(second)
	require.NoError(t, env.svc.Revoke(context.Background(), revoked.ID))

	count, err := env.svc.CountIssuedForUser(context.Background(), nil, userID, templateID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestListTemplatesFiltersInactive(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	seed := func(slug string, cost int64, active bool) {
		require.NoError(t, env.db.Create(&coupondomain.CouponTemplate{
			ID:         env.node.Generate(),
			Slug:       slug,
			Name:       slug,
			Kind:       coupondomain.RewardKindDiscountCode,
			CostPoints: cost,
			MaxPerUser: 1,
			ExpiryDays: 30,
			Active:     active,
			CreatedAt:  now,
			UpdatedAt:  now,
		}).Error)
	}
	seed("cheap", 10, true)
	seed("pricey", 500, true)
	seed("retired", 50, false)

	active, err := env.svc.ListTemplates(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "cheap", active[0].Slug)

	all, err := env.svc.ListTemplates(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bySlug, err := env.svc.GetTemplateBySlug(context.Background(), "  Pricey ")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bySlug.CostPoints)

	_, err = env.svc.GetTemplateBySlug(context.Background(), "missing")
	assert.ErrorIs(t, err, coupondomain.ErrTemplateNotFound)
}
