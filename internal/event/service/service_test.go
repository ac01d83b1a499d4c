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
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	frauddomain "github.com/habitloop/habitloop/internal/fraud/domain"
	fraudservice "github.com/habitloop/habitloop/internal/fraud/service"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"github.com/habitloop/habitloop/internal/nonce"
	"github.com/habitloop/habitloop/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testEnv struct {
	svc    eventdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
	fraud  frauddomain.Service
	policy config.TrustPolicy
}

func newTestEnv(t *testing.T, policy config.TrustPolicy) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&eventdomain.PointsEvent{},
		&eventdomain.UserPointsCache{},
		&frauddomain.FraudInsight{},
		&membershipdomain.Membership{},
	))

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	holder := config.NewStaticTrustPolicyHolder(policy)

	fraudSvc := fraudservice.NewService(fraudservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
	})
	limiter := ratelimit.NewWindowLimiter(ratelimit.WindowLimiterParams{
		DB:     db,
		Clock:  fakeClock,
		Policy: holder,
	})

	svc := NewService(Params{
		Config:  config.Config{NonceMaxAge: nonce.DefaultMaxAge},
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fakeClock,
		Policy:  holder,
		Limiter: limiter,
		Fraud:   fraudSvc,
	})

	return &testEnv{
		svc:    svc,
		db:     db,
		clock:  fakeClock,
		node:   node,
		fraud:  fraudSvc,
		policy: policy,
	}
}

func (e *testEnv) seedMembership(t *testing.T, userID snowflake.ID, age time.Duration) {
	t.Helper()
	created := e.clock.Now().Add(-age)
	require.NoError(t, e.db.Create(&membershipdomain.Membership{
		UserID:    userID,
		Tier:      membershipdomain.TierFree,
		Status:    membershipdomain.StatusActive,
		CreatedAt: created,
		UpdatedAt: created,
	}).Error)
}

func (e *testEnv) submitRequest(t *testing.T, userID snowflake.ID, eventType eventdomain.EventType) eventdomain.SubmitRequest {
	t.Helper()
	n, err := nonce.Generate(e.clock.Now())
	require.NoError(t, err)
	return eventdomain.SubmitRequest{
		UserID:     userID,
		EventType:  eventType,
		OccurredAt: e.clock.Now(),
		Nonce:      n,
		Payload:    map[string]any{"source": "test"},
	}
}

func TestSubmitAttestedEventIsValidatedAndAwarded(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	env.seedMembership(t, userID, 30*24*time.Hour)

	req := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	req.ProofType = eventdomain.ProofTypeAttestation
	req.ProofPayload = map[string]any{"valid": true}
	req.DeviceID = "device-1"

	outcome, err := env.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	// attestation 40, device unknown 5, mature account 10, first event 5,
	// unseen device 5.
	assert.Equal(t, eventdomain.StatusValidated, outcome.Status)
	assert.Equal(t, 65, outcome.TrustScore)
	assert.Equal(t, int64(10), outcome.PointsAwarded)

	balance, err := env.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Balance)
	assert.Equal(t, int64(10), balance.LifetimeEarned)
}

func TestSubmitBurstWithoutEvidenceIsRejected(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	env.seedMembership(t, userID, 30*24*time.Hour)

	first := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	first.ProofType = eventdomain.ProofTypeAttestation
	first.ProofPayload = map[string]any{"valid": true}
	_, err := env.svc.Submit(context.Background(), first)
	require.NoError(t, err)

	env.clock.Advance(500 * time.Millisecond)

	second := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	outcome, err := env.svc.Submit(context.Background(), second)
	require.NoError(t, err)

	// absent attestation 5, sub-second spacing -40, mature 10, device
	// unknown 5: raw -20, clamped to 0.
	assert.Equal(t, eventdomain.StatusRejected, outcome.Status)
	assert.Equal(t, 0, outcome.TrustScore)
	assert.Equal(t, int64(0), outcome.PointsAwarded)

	flags, err := env.fraud.UnresolvedCountSince(context.Background(), userID, env.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), flags)
}

func TestSubmitHoneypotIsRejectedWithCriticalInsight(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	env.seedMembership(t, userID, 90*24*time.Hour)

	req := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	req.ProofType = eventdomain.ProofTypeAttestation
	req.ProofPayload = map[string]any{"valid": true}
	req.Metadata = map[string]any{"website": "https://spam.example"}

	outcome, err := env.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusRejected, outcome.Status)
	assert.Equal(t, 0, outcome.TrustScore)

	insights, err := env.fraud.ListByUser(context.Background(), userID, true, 10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, frauddomain.InsightKindHoneypotTrigger, insights[0].Kind)
	assert.Equal(t, frauddomain.SeverityCritical, insights[0].Severity)
}

func TestSubmitRejectsReplayedRequest(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	env.seedMembership(t, userID, 30*24*time.Hour)

	req := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	_, err := env.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	_, err = env.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, eventdomain.ErrDuplicateEvent)
}

func TestSubmitRejectsUnknownTypeAndBadNonce(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()

	bad := env.submitRequest(t, userID, "bench_press_pr")
	_, err := env.svc.Submit(context.Background(), bad)
	assert.ErrorIs(t, err, eventdomain.ErrInvalidEventType)

	spend := env.submitRequest(t, userID, eventdomain.EventTypeRedeemCoupon)
	_, err = env.svc.Submit(context.Background(), spend)
	assert.ErrorIs(t, err, eventdomain.ErrInvalidEventType)

	stale := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	staleNonce, genErr := nonce.Generate(env.clock.Now().Add(-8 * 24 * time.Hour))
	require.NoError(t, genErr)
	stale.Nonce = staleNonce
	_, err = env.svc.Submit(context.Background(), stale)
	assert.ErrorIs(t, err, nonce.ErrExpired)
}

func TestSubmitEnforcesEventsPerHourCeiling(t *testing.T) {
	policy := config.DefaultTrustPolicy()
	policy.RateLimits.EventsPerHour = 2
	env := newTestEnv(t, policy)
	userID := env.node.Generate()
	env.seedMembership(t, userID, 30*24*time.Hour)

	for i := 0; i < 2; i++ {
		req := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
		req.ProofType = eventdomain.ProofTypeAttestation
		req.ProofPayload = map[string]any{"valid": true}
		_, err := env.svc.Submit(context.Background(), req)
		require.NoError(t, err)
		env.clock.Advance(2 * time.Minute)
	}

	third := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	_, err := env.svc.Submit(context.Background(), third)
	assert.ErrorIs(t, err, eventdomain.ErrRateLimited)

	// Nothing was persisted for the denied submission.
	var count int64
	require.NoError(t, env.db.Model(&eventdomain.PointsEvent{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestStreakMultiplierAppliedAtBoundary(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	env.seedMembership(t, userID, 120*24*time.Hour)
	habitID := env.node.Generate()

	// Six consecutive prior days of validated completions for this habit.
	for day := 6; day >= 1; day-- {
		occurred := env.clock.Now().AddDate(0, 0, -day)
		seedNonce, err := nonce.Generate(occurred)
		require.NoError(t, err)
		require.NoError(t, env.db.Create(&eventdomain.PointsEvent{
			ID:                env.node.Generate(),
			UserID:            userID,
			EventType:         eventdomain.EventTypeHabitCompletion,
			PointsDelta:       10,
			PayloadHash:       fmt.Sprintf("seed-%d", day),
			Nonce:             seedNonce,
			Status:            eventdomain.StatusValidated,
			RelatedEntityType: "habit",
			RelatedEntityID:   habitID,
			OccurredAt:        occurred,
			CreatedAt:         occurred,
			UpdatedAt:         occurred,
		}).Error)
	}

	req := env.submitRequest(t, userID, eventdomain.EventTypeHabitCompletion)
	req.ProofType = eventdomain.ProofTypeAttestation
	req.ProofPayload = map[string]any{"valid": true}
	req.RelatedEntityType = "habit"
	req.RelatedEntityID = habitID

	outcome, err := env.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, eventdomain.StatusValidated, outcome.Status)

	// Day seven of the streak: 10 base points at 1.2x.
	assert.Equal(t, int64(12), outcome.PointsAwarded)
}

func TestValidateClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	env.seedMembership(t, userID, 30*24*time.Hour)

	now := env.clock.Now()
	pendingNonce, err := nonce.Generate(now)
	require.NoError(t, err)
	event := eventdomain.PointsEvent{
		ID:          env.node.Generate(),
		UserID:      userID,
		EventType:   eventdomain.EventTypeHabitCompletion,
		PayloadHash: "claim-test",
		Nonce:       pendingNonce,
		Status:      eventdomain.StatusPending,
		OccurredAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, env.db.Create(&event).Error)

	_, err = env.svc.Validate(context.Background(), event.ID)
	require.NoError(t, err)

	_, err = env.svc.Validate(context.Background(), event.ID)
	assert.ErrorIs(t, err, eventdomain.ErrInvalidStatus)
}

func TestResolveReview(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()

	newReviewEvent := func(hash string) eventdomain.PointsEvent {
		now := env.clock.Now()
		reviewNonce, err := nonce.Generate(now)
		require.NoError(t, err)
		score := 45
		event := eventdomain.PointsEvent{
			ID:          env.node.Generate(),
			UserID:      userID,
			EventType:   eventdomain.EventTypeWorkoutCompletion,
			PayloadHash: hash,
			Nonce:       reviewNonce,
			TrustScore:  &score,
			Status:      eventdomain.StatusPendingReview,
			OccurredAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, env.db.Create(&event).Error)
		return event
	}

	t.Run("approve awards points", func(t *testing.T) {
		event := newReviewEvent("review-approve")
		outcome, err := env.svc.ResolveReview(context.Background(), event.ID, true, "ops@habitloop", "receipt checked")
		require.NoError(t, err)
		assert.Equal(t, eventdomain.StatusValidated, outcome.Status)
		assert.Equal(t, int64(20), outcome.PointsAwarded)

		balance, err := env.svc.Balance(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), balance.Balance)
	})

	t.Run("deny rejects and flags", func(t *testing.T) {
		env.clock.Advance(time.Hour)
		event := newReviewEvent("review-deny")
		outcome, err := env.svc.ResolveReview(context.Background(), event.ID, false, "ops@habitloop", "no evidence")
		require.NoError(t, err)
		assert.Equal(t, eventdomain.StatusRejected, outcome.Status)
		assert.Equal(t, int64(0), outcome.PointsAwarded)

		insights, err := env.fraud.ListByUser(context.Background(), userID, true, 10)
		require.NoError(t, err)
		require.NotEmpty(t, insights)
		assert.Equal(t, frauddomain.InsightKindManualReviewDeny, insights[0].Kind)
	})

	t.Run("resolving twice fails", func(t *testing.T) {
		event := newReviewEvent("review-twice")
		_, err := env.svc.ResolveReview(context.Background(), event.ID, true, "ops@habitloop", "")
		require.NoError(t, err)
		_, err = env.svc.ResolveReview(context.Background(), event.ID, true, "ops@habitloop", "")
		assert.ErrorIs(t, err, eventdomain.ErrNotReviewable)
	})

	t.Run("missing reviewer fails", func(t *testing.T) {
		event := newReviewEvent("review-noname")
		_, err := env.svc.ResolveReview(context.Background(), event.ID, true, "  ", "")
		assert.ErrorIs(t, err, eventdomain.ErrInvalidReviewState)
	})
}

func TestRequeueStuckReturnsOldValidatingEvents(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	now := env.clock.Now()

	makeValidating := func(hash string, startedAgo time.Duration) snowflake.ID {
		stuckNonce, err := nonce.Generate(now.Add(-startedAgo))
		require.NoError(t, err)
		started := now.Add(-startedAgo)
		event := eventdomain.PointsEvent{
			ID:                  env.node.Generate(),
			UserID:              userID,
			EventType:           eventdomain.EventTypeHabitCompletion,
			PayloadHash:         hash,
			Nonce:               stuckNonce,
			Status:              eventdomain.StatusValidating,
			ValidationStartedAt: &started,
			OccurredAt:          started,
			CreatedAt:           started,
			UpdatedAt:           started,
		}
		require.NoError(t, env.db.Create(&event).Error)
		return event.ID
	}

	stuckID := makeValidating("stuck", 20*time.Minute)
	freshID := makeValidating("fresh", time.Minute)

	requeued, err := env.svc.RequeueStuck(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)

	var stuck, fresh eventdomain.PointsEvent
	require.NoError(t, env.db.First(&stuck, "id = ?", stuckID).Error)
	require.NoError(t, env.db.First(&fresh, "id = ?", freshID).Error)
	assert.Equal(t, eventdomain.StatusPending, stuck.Status)
	assert.Nil(t, stuck.ValidationStartedAt)
	assert.Equal(t, eventdomain.StatusValidating, fresh.Status)
}

func TestBalanceIsConservedAcrossLedger(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	now := env.clock.Now()

	seed := func(hash string, delta int64) {
		seedNonce, err := nonce.Generate(now)
		require.NoError(t, err)
		validated := now
		require.NoError(t, env.db.Create(&eventdomain.PointsEvent{
			ID:          env.node.Generate(),
			UserID:      userID,
			EventType:   eventdomain.EventTypeHabitCompletion,
			PointsDelta: delta,
			PayloadHash: hash,
			Nonce:       seedNonce,
			Status:      eventdomain.StatusValidated,
			OccurredAt:  now,
			ValidatedAt: &validated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error)
	}
	seed("earn-1", 10)
	seed("earn-2", 20)
	seed("spend-1", -5)

	balance, err := env.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance.Balance)
	assert.Equal(t, int64(30), balance.LifetimeEarned)
	assert.Equal(t, int64(5), balance.LifetimeSpent)
}

func TestInsertSpendTxRequiresNegativeDeltaAndTx(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()

	_, err := env.svc.InsertSpendTx(context.Background(), nil, userID, -10, nil)
	assert.Error(t, err)

	err = env.db.Transaction(func(tx *gorm.DB) error {
		_, err := env.svc.InsertSpendTx(context.Background(), tx, userID, 10, nil)
		return err
	})
	assert.Error(t, err)

	err = env.db.Transaction(func(tx *gorm.DB) error {
		spend, err := env.svc.InsertSpendTx(context.Background(), tx, userID, -10, map[string]any{"template_slug": "10-percent-off"})
		if err != nil {
			return err
		}
		assert.Equal(t, eventdomain.EventTypeRedeemCoupon, spend.EventType)
		assert.Equal(t, eventdomain.StatusValidated, spend.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestListEventsKeysetPagination(t *testing.T) {
	env := newTestEnv(t, config.DefaultTrustPolicy())
	userID := env.node.Generate()
	now := env.clock.Now()

	var ids []snowflake.ID
	for i := 0; i < 5; i++ {
		listNonce, err := nonce.Generate(now)
		require.NoError(t, err)
		event := eventdomain.PointsEvent{
			ID:          env.node.Generate(),
			UserID:      userID,
			EventType:   eventdomain.EventTypeHabitCompletion,
			PayloadHash: fmt.Sprintf("list-%d", i),
			Nonce:       listNonce,
			Status:      eventdomain.StatusValidated,
			OccurredAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, env.db.Create(&event).Error)
		ids = append(ids, event.ID)
	}

	page, err := env.svc.List(context.Background(), eventdomain.ListRequest{UserID: userID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)

	next, err := env.svc.List(context.Background(), eventdomain.ListRequest{UserID: userID, Limit: 2, BeforeID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, ids[2], next[0].ID)
}
