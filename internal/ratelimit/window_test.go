package ratelimit

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type windowFixture struct {
	limiter *WindowLimiter
	db      *gorm.DB
	clock   *clock.FakeClock
	node    *snowflake.Node
}

func newWindowFixture(t *testing.T, limits config.RateLimits) *windowFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&eventdomain.PointsEvent{}))

	policy := config.DefaultTrustPolicy()
	policy.RateLimits = limits

	fakeClock := clock.NewFakeClock(time.Date(2026, 7, 20, 16, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	limiter := NewWindowLimiter(WindowLimiterParams{
		DB:     db,
		Clock:  fakeClock,
		Policy: config.NewStaticTrustPolicyHolder(policy),
	})
	return &windowFixture{limiter: limiter, db: db, clock: fakeClock, node: node}
}

func (f *windowFixture) seedEvent(t *testing.T, userID snowflake.ID, status eventdomain.ValidationStatus, delta int64, age time.Duration) {
	t.Helper()
	created := f.clock.Now().Add(-age)
	require.NoError(t, f.db.Create(&eventdomain.PointsEvent{
		ID:          f.node.Generate(),
		UserID:      userID,
		EventType:   eventdomain.EventTypeHabitCompletion,
		PointsDelta: delta,
		PayloadHash: fmt.Sprintf("%d-%s-%d", userID.Int64(), status, f.node.Generate().Int64()),
		Nonce:       fmt.Sprintf("n-%d", f.node.Generate().Int64()),
		Status:      status,
		OccurredAt:  created,
		CreatedAt:   created,
		UpdatedAt:   created,
	}).Error)
}

func defaultTestLimits() config.RateLimits {
	return config.RateLimits{
		EventsPerHour: 3,
		EventsPerDay:  5,
		PointsPerHour: 100,
		PointsPerDay:  200,
	}
}

func TestCheckAllowsUnderAllCeilings(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	f.seedEvent(t, userID, eventdomain.StatusValidated, 10, 10*time.Minute)

	decision, err := f.limiter.Check(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
}

func TestCheckEventsPerHourCeiling(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	for i := 0; i < 3; i++ {
		f.seedEvent(t, userID, eventdomain.StatusValidated, 10, time.Duration(i+1)*10*time.Minute)
	}

	decision, err := f.limiter.Check(context.Background(), userID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, ReasonEventsPerHour, decision.Reason)
}

func TestCheckEventsPerDayCeiling(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	// Two in the last hour, three more earlier in the day. The hourly
	// ceiling passes and the daily one trips.
	f.seedEvent(t, userID, eventdomain.StatusValidated, 0, 10*time.Minute)
	f.seedEvent(t, userID, eventdomain.StatusValidated, 0, 20*time.Minute)
	for i := 0; i < 3; i++ {
		f.seedEvent(t, userID, eventdomain.StatusValidated, 0, time.Duration(i+2)*time.Hour)
	}

	decision, err := f.limiter.Check(context.Background(), userID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, ReasonEventsPerDay, decision.Reason)
}

func TestCheckPointsPerHourCeiling(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	f.seedEvent(t, userID, eventdomain.StatusValidated, 60, 10*time.Minute)
	f.seedEvent(t, userID, eventdomain.StatusValidated, 40, 20*time.Minute)

	decision, err := f.limiter.Check(context.Background(), userID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, ReasonPointsPerHour, decision.Reason)
}

func TestCheckPointsPerDayCeiling(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	f.seedEvent(t, userID, eventdomain.StatusValidated, 50, 10*time.Minute)
	f.seedEvent(t, userID, eventdomain.StatusValidated, 80, 3*time.Hour)
	f.seedEvent(t, userID, eventdomain.StatusValidated, 70, 6*time.Hour)

	decision, err := f.limiter.Check(context.Background(), userID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, ReasonPointsPerDay, decision.Reason)
}

func TestCheckIgnoresRejectedEventsAndSpends(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	// Rejected submissions count toward no ceiling; negative deltas never
	// count toward awarded points.
	for i := 0; i < 4; i++ {
		f.seedEvent(t, userID, eventdomain.StatusRejected, 0, time.Duration(i+1)*5*time.Minute)
	}
	f.seedEvent(t, userID, eventdomain.StatusValidated, 90, 10*time.Minute)
	f.seedEvent(t, userID, eventdomain.StatusValidated, -90, 15*time.Minute)

	decision, err := f.limiter.Check(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckWindowsSlide(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	userID := f.node.Generate()
	for i := 0; i < 3; i++ {
		f.seedEvent(t, userID, eventdomain.StatusValidated, 10, time.Duration(i+1)*10*time.Minute)
	}

	_, err := f.limiter.Check(context.Background(), userID)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	f.clock.Advance(time.Hour)
	decision, err := f.limiter.Check(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckScopesToUser(t *testing.T) {
	f := newWindowFixture(t, defaultTestLimits())
	noisy := f.node.Generate()
	quiet := f.node.Generate()
	for i := 0; i < 3; i++ {
		f.seedEvent(t, noisy, eventdomain.StatusValidated, 10, time.Duration(i+1)*10*time.Minute)
	}

	_, err := f.limiter.Check(context.Background(), noisy)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	decision, err := f.limiter.Check(context.Background(), quiet)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
