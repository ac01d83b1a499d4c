package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/config"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	frauddomain "github.com/habitloop/habitloop/internal/fraud/domain"
	"github.com/habitloop/habitloop/internal/nonce"
	"github.com/habitloop/habitloop/internal/observability/metrics"
	"github.com/habitloop/habitloop/internal/payloadhash"
	"github.com/habitloop/habitloop/internal/ratelimit"
	"github.com/habitloop/habitloop/internal/trust"
	"github.com/habitloop/habitloop/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const validatorEngine = "trust_engine"

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.TrustPolicyHolder
	Limiter *ratelimit.WindowLimiter
	Fraud   frauddomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	cfg     config.Config
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.TrustPolicyHolder
	limiter *ratelimit.WindowLimiter
	fraud   frauddomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) eventdomain.Service {
	return &Service{
		cfg:     p.Config,
		db:      p.DB,
		log:     p.Log.Named("event.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		limiter: p.Limiter,
		fraud:   p.Fraud,
		metrics: p.Metrics,
	}
}

func (s *Service) Submit(ctx context.Context, req eventdomain.SubmitRequest) (*eventdomain.ValidationOutcome, error) {
	if req.UserID == 0 {
		return nil, eventdomain.ErrEventNotFound
	}
	if !eventdomain.KnownEventType(req.EventType) || req.EventType == eventdomain.EventTypeRedeemCoupon {
		return nil, eventdomain.ErrInvalidEventType
	}

	now := s.clock.Now()
	if err := nonce.Validate(req.Nonce, now, s.cfg.NonceMaxAge); err != nil {
		return nil, err
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	hash, err := payloadhash.Hash(req.UserID, string(req.EventType), occurredAt, req.Nonce, req.Payload)
	if err != nil {
		return nil, err
	}

	// All four ceilings are checked before anything is persisted.
	decision, err := s.limiter.Check(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			if s.metrics != nil {
				s.metrics.RecordRateLimitDenied(ctx, decision.Reason)
			}
			s.log.Warn("event rejected by rate limiter",
				zap.Int64("user_id", req.UserID.Int64()),
				zap.String("reason", decision.Reason),
			)
			return nil, eventdomain.ErrRateLimited
		}
		return nil, err
	}

	replayed, err := s.payloadSeenWithinWindow(ctx, req.UserID, hash, now)
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, eventdomain.ErrDuplicateEvent
	}

	event := eventdomain.PointsEvent{
		ID:                s.genID.Generate(),
		UserID:            req.UserID,
		EventType:         req.EventType,
		ProofType:         normalizeProofType(req.ProofType),
		ProofPayload:      datatypes.JSONMap(req.ProofPayload),
		PayloadHash:       hash,
		Nonce:             strings.TrimSpace(req.Nonce),
		Status:            eventdomain.StatusPending,
		RelatedEntityType: strings.TrimSpace(req.RelatedEntityType),
		RelatedEntityID:   req.RelatedEntityID,
		DeviceID:          strings.TrimSpace(req.DeviceID),
		OccurredAt:        occurredAt.UTC(),
		Metadata:          datatypes.JSONMap(req.Metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, eventdomain.ErrDuplicateEvent
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordEventSubmitted(ctx, string(event.EventType))
	}

	return s.Validate(ctx, event.ID)
}

func (s *Service) Validate(ctx context.Context, eventID snowflake.ID) (*eventdomain.ValidationOutcome, error) {
	now := s.clock.Now()

	// Claiming the record is the processing lock: only one validator can
	// move pending to validating.
	claim := s.db.WithContext(ctx).
		Model(&eventdomain.PointsEvent{}).
		Where("id = ? AND status = ?", eventID, eventdomain.StatusPending).
		Updates(map[string]any{
			"status":                eventdomain.StatusValidating,
			"validation_started_at": now,
			"updated_at":            now,
		})
	if claim.Error != nil {
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil, eventdomain.ErrInvalidStatus
	}

	var event eventdomain.PointsEvent
	if err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&event).Error; err != nil {
		return nil, err
	}

	signals, err := s.gatherSignals(ctx, &event)
	if err != nil {
		return nil, err
	}

	policy := s.policy.Current()
	score := trust.Score(policy, signals)
	outcome := trust.Decide(policy, score)
	if signals.HoneypotTriggered {
		outcome = trust.OutcomeRejected
	}

	var award int64
	status := eventdomain.StatusRejected
	switch outcome {
	case trust.OutcomeValidated:
		status = eventdomain.StatusValidated
		streak, err := s.streakDays(ctx, &event)
		if err != nil {
			return nil, err
		}
		award = trust.AwardPoints(policy, string(event.EventType), streak)
	case trust.OutcomeReview:
		status = eventdomain.StatusPendingReview
	}

	if err := s.settle(ctx, &event, status, score, award, validatorEngine, ""); err != nil {
		return nil, err
	}

	s.emitInsight(ctx, &event, signals, score, status)
	if s.metrics != nil {
		s.metrics.RecordEventValidated(ctx, string(event.EventType), string(status))
	}

	return &eventdomain.ValidationOutcome{
		EventID:       event.ID,
		Status:        status,
		PointsAwarded: award,
		TrustScore:    score,
	}, nil
}

// settle moves a validating record to its terminal state and, for awards,
// rebuilds the balance cache in the same transaction.
func (s *Service) settle(ctx context.Context, event *eventdomain.PointsEvent, status eventdomain.ValidationStatus, score int, award int64, validator, reason string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).
			Model(&eventdomain.PointsEvent{}).
			Where("id = ? AND status = ?", event.ID, eventdomain.StatusValidating).
			Updates(map[string]any{
				"status":             status,
				"trust_score":        score,
				"points_delta":       award,
				"validated_at":       now,
				"validator_identity": validator,
				"review_reason":      reason,
				"updated_at":         now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return eventdomain.ErrInvalidStatus
		}

		if status == eventdomain.StatusValidated && award != 0 {
			if _, err := s.RecomputeBalanceTx(ctx, tx, event.UserID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) emitInsight(ctx context.Context, event *eventdomain.PointsEvent, signals trust.Signals, score int, status eventdomain.ValidationStatus) {
	var req frauddomain.RecordRequest
	switch {
	case signals.HoneypotTriggered:
		req = frauddomain.RecordRequest{
			Kind:     frauddomain.InsightKindHoneypotTrigger,
			Severity: frauddomain.SeverityCritical,
		}
	case status == eventdomain.StatusRejected:
		req = frauddomain.RecordRequest{
			Kind:     frauddomain.InsightKindLowTrustScore,
			Severity: frauddomain.SeverityHigh,
		}
	case status == eventdomain.StatusPendingReview:
		req = frauddomain.RecordRequest{
			Kind:     frauddomain.InsightKindBorderlineScore,
			Severity: frauddomain.SeverityMedium,
		}
	default:
		return
	}

	req.UserID = event.UserID
	req.Score = score
	req.EventIDs = []int64{event.ID.Int64()}
	req.Detail = map[string]any{
		"event_type": string(event.EventType),
		"status":     string(status),
	}

	if _, err := s.fraud.Record(ctx, req); err != nil {
		s.log.Warn("failed to record fraud insight",
			zap.Int64("event_id", event.ID.Int64()),
			zap.Error(err),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordFraudInsight(ctx, string(req.Severity))
	}
}

func (s *Service) ValidateBatch(ctx context.Context, limit int) (*eventdomain.BatchResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var pending []eventdomain.PointsEvent
	err := s.db.WithContext(ctx).
		Select("id").
		Where("status = ?", eventdomain.StatusPending).
		Order("created_at asc").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return nil, err
	}

	result := &eventdomain.BatchResult{}
	for _, record := range pending {
		outcome, err := s.Validate(ctx, record.ID)
		if err != nil {
			if errors.Is(err, eventdomain.ErrInvalidStatus) {
				// Another validator claimed it first.
				continue
			}
			result.Failed = append(result.Failed, eventdomain.BatchFailure{
				EventID: record.ID,
				Reason:  err.Error(),
			})
			continue
		}
		result.Outcomes = append(result.Outcomes, *outcome)
	}
	return result, nil
}

func (s *Service) ResolveReview(ctx context.Context, eventID snowflake.ID, approve bool, reviewer, reason string) (*eventdomain.ValidationOutcome, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, eventdomain.ErrInvalidReviewState
	}

	now := s.clock.Now()
	claim := s.db.WithContext(ctx).
		Model(&eventdomain.PointsEvent{}).
		Where("id = ? AND status = ?", eventID, eventdomain.StatusPendingReview).
		Updates(map[string]any{
			"status":                eventdomain.StatusValidating,
			"validation_started_at": now,
			"updated_at":            now,
		})
	if claim.Error != nil {
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil, eventdomain.ErrNotReviewable
	}

	var event eventdomain.PointsEvent
	if err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&event).Error; err != nil {
		return nil, err
	}

	score := 0
	if event.TrustScore != nil {
		score = *event.TrustScore
	}

	var award int64
	status := eventdomain.StatusRejected
	if approve {
		status = eventdomain.StatusValidated
		streak, err := s.streakDays(ctx, &event)
		if err != nil {
			return nil, err
		}
		award = trust.AwardPoints(s.policy.Current(), string(event.EventType), streak)
	}

	if err := s.settle(ctx, &event, status, score, award, reviewer, reason); err != nil {
		return nil, err
	}

	if !approve {
		if _, err := s.fraud.Record(ctx, frauddomain.RecordRequest{
			UserID:   event.UserID,
			Kind:     frauddomain.InsightKindManualReviewDeny,
			Severity: frauddomain.SeverityHigh,
			Score:    score,
			EventIDs: []int64{event.ID.Int64()},
			Detail:   map[string]any{"reviewer": reviewer, "reason": reason},
		}); err != nil {
			s.log.Warn("failed to record review denial", zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordEventValidated(ctx, string(event.EventType), string(status))
	}

	return &eventdomain.ValidationOutcome{
		EventID:       event.ID,
		Status:        status,
		PointsAwarded: award,
		TrustScore:    score,
	}, nil
}

func (s *Service) RequeueStuck(ctx context.Context, threshold time.Duration, batchSize int) (int64, error) {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := s.clock.Now().Add(-threshold)

	result := s.db.WithContext(ctx).Exec(
		`UPDATE points_events SET status = ?, validation_started_at = NULL, updated_at = ?
		 WHERE id IN (
			SELECT id FROM points_events
			WHERE status = ? AND validation_started_at < ?
			ORDER BY validation_started_at ASC
			LIMIT ?
		 )`,
		eventdomain.StatusPending, s.clock.Now(),
		eventdomain.StatusValidating, cutoff,
		batchSize,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("requeued stuck validating events", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (*eventdomain.UserPointsCache, error) {
	var cache eventdomain.UserPointsCache
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&cache).Error
	if err == nil {
		return &cache, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.RecomputeBalanceTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&cache).Error; err != nil {
		return nil, err
	}
	return &cache, nil
}

func (s *Service) List(ctx context.Context, req eventdomain.ListRequest) ([]eventdomain.PointsEvent, error) {
	if req.UserID == 0 {
		return nil, eventdomain.ErrEventNotFound
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	stmt := s.db.WithContext(ctx).
		Where("user_id = ?", req.UserID).
		Order("id desc").
		Limit(limit)
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	if req.BeforeID != 0 {
		stmt = stmt.Where("id < ?", req.BeforeID)
	}

	var events []eventdomain.PointsEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) InsertSpendTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, delta int64, metadata map[string]any) (*eventdomain.PointsEvent, error) {
	if tx == nil {
		return nil, errors.New("spend insert requires a transaction")
	}
	if delta >= 0 {
		return nil, errors.New("spend delta must be negative")
	}

	now := s.clock.Now()
	eventNonce, err := nonce.Generate(now)
	if err != nil {
		return nil, err
	}
	hash, err := payloadhash.Hash(userID, string(eventdomain.EventTypeRedeemCoupon), now, eventNonce, metadata)
	if err != nil {
		return nil, err
	}

	score := 100
	event := eventdomain.PointsEvent{
		ID:                s.genID.Generate(),
		UserID:            userID,
		EventType:         eventdomain.EventTypeRedeemCoupon,
		PointsDelta:       delta,
		ProofType:         eventdomain.ProofTypeNone,
		PayloadHash:       hash,
		Nonce:             eventNonce,
		TrustScore:        &score,
		Status:            eventdomain.StatusValidated,
		OccurredAt:        now,
		ValidatedAt:       &now,
		ValidatorIdentity: "redemption",
		Metadata:          datatypes.JSONMap(metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := tx.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// RecomputeBalanceTx rebuilds the cache from the full validated ledger so
// the conservation invariant holds even after partial failures.
func (s *Service) RecomputeBalanceTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (int64, error) {
	if tx == nil {
		return 0, errors.New("balance recompute requires a transaction")
	}

	var sums struct {
		Balance int64
		Earned  int64
		Spent   int64
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(points_delta), 0) AS balance,
			COALESCE(SUM(CASE WHEN points_delta > 0 THEN points_delta ELSE 0 END), 0) AS earned,
			COALESCE(SUM(CASE WHEN points_delta < 0 THEN -points_delta ELSE 0 END), 0) AS spent
		FROM points_events
		WHERE user_id = ? AND status = ?`,
		userID, eventdomain.StatusValidated,
	).Scan(&sums).Error
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	cache := eventdomain.UserPointsCache{
		UserID:         userID,
		Balance:        sums.Balance,
		LifetimeEarned: sums.Earned,
		LifetimeSpent:  sums.Spent,
		LastEventAt:    &now,
		UpdatedAt:      now,
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"balance", "lifetime_earned", "lifetime_spent", "last_event_at", "updated_at",
			}),
		}).
		Create(&cache).Error
	if err != nil {
		return 0, err
	}
	return sums.Balance, nil
}

func (s *Service) payloadSeenWithinWindow(ctx context.Context, userID snowflake.ID, hash string, now time.Time) (bool, error) {
	maxAge := s.cfg.NonceMaxAge
	if maxAge <= 0 {
		maxAge = nonce.DefaultMaxAge
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&eventdomain.PointsEvent{}).
		Where("user_id = ? AND payload_hash = ? AND created_at >= ?", userID, hash, now.Add(-maxAge)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func normalizeProofType(pt eventdomain.ProofType) eventdomain.ProofType {
	switch pt {
	case eventdomain.ProofTypeSelfReport, eventdomain.ProofTypeThirdParty, eventdomain.ProofTypeAttestation:
		return pt
	default:
		return eventdomain.ProofTypeNone
	}
}

// LockBalanceTx ensures the cache row exists and takes a per-user row lock
// on stores that support it, serializing concurrent spends for one user
// without blocking other users.
func (s *Service) LockBalanceTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID) error {
	if tx == nil {
		return errors.New("balance lock requires a transaction")
	}

	seed := eventdomain.UserPointsCache{
		UserID:    userID,
		UpdatedAt: s.clock.Now(),
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		return err
	}

	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		var locked eventdomain.UserPointsCache
		return tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&locked).Error
	default:
		// sqlite serializes writers per transaction already.
		return nil
	}
}
