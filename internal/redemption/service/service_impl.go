package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/habitloop/habitloop/internal/audit/domain"
	"github.com/habitloop/habitloop/internal/audit/masking"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/config"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"github.com/habitloop/habitloop/internal/observability/metrics"
	redemptiondomain "github.com/habitloop/habitloop/internal/redemption/domain"
	"github.com/habitloop/habitloop/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Events     eventdomain.Service
	Coupons    coupondomain.Service
	Membership membershipdomain.Service
	Audit      auditdomain.Service
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	events     eventdomain.Service
	coupons    coupondomain.Service
	membership membershipdomain.Service
	audit      auditdomain.Service
	metrics    *metrics.Metrics
}

func NewService(p Params) redemptiondomain.Service {
	return &Service{
		cfg:        p.Config,
		db:         p.DB,
		log:        p.Log.Named("redemption.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		events:     p.Events,
		coupons:    p.Coupons,
		membership: p.Membership,
		audit:      p.Audit,
		metrics:    p.Metrics,
	}
}

// idempotencyHash binds a redemption attempt to the user, template and
// caller key so the same triple always maps to the same unique index slot.
func idempotencyHash(userID, templateID snowflake.ID, key string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s:redeem", userID.Int64(), templateID.Int64(), key)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) Redeem(ctx context.Context, req redemptiondomain.RedeemRequest) (*redemptiondomain.Outcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	hash := idempotencyHash(req.UserID, req.TemplateID, key)

	if prior, err := s.findCompleted(ctx, req.UserID, hash); err != nil {
		return nil, err
	} else if prior != nil {
		return s.replayOutcome(ctx, prior), nil
	}

	template, err := s.coupons.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !template.Available(now) {
		return nil, coupondomain.ErrTemplateUnavailable
	}

	var (
		outcome   redemptiondomain.Outcome
		plaintext string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.events.LockBalanceTx(ctx, tx, req.UserID); err != nil {
			return err
		}

		if template.MaxPerUser > 0 {
			issued, err := s.coupons.CountIssuedForUser(ctx, tx, req.UserID, template.ID)
			if err != nil {
				return err
			}
			if issued >= int64(template.MaxPerUser) {
				return coupondomain.ErrTemplateUnavailable
			}
		}

		balanceBefore, err := s.events.RecomputeBalanceTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if balanceBefore < template.CostPoints {
			return redemptiondomain.ErrInsufficientBalance
		}

		redemption := redemptiondomain.Redemption{
			ID:              s.genID.Generate(),
			UserID:          req.UserID,
			TemplateID:      template.ID,
			IdempotencyKey:  key,
			IdempotencyHash: hash,
			Status:          redemptiondomain.StatusCompleted,
			PointsSpent:     template.CostPoints,
			BalanceBefore:   balanceBefore,
			Metadata:        datatypes.JSONMap(req.Metadata),
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		switch template.Kind {
		case coupondomain.RewardKindDiscountCode, coupondomain.RewardKindPartnerOffer:
			code, err := coupondomain.GenerateCode()
			if err != nil {
				return err
			}
			expiresAt := now.AddDate(0, 0, template.ExpiryDays)
			coupon, err := s.coupons.IssueTx(ctx, tx, coupondomain.IssueRequest{
				UserID:     req.UserID,
				TemplateID: template.ID,
				CostPaid:   template.CostPoints,
				Code:       code,
				ExpiresAt:  expiresAt,
			})
			if err != nil {
				return err
			}
			plaintext = code
			redemption.CouponID = &coupon.ID
			outcome.CouponID = &coupon.ID
			outcome.ExpiresAt = &expiresAt
		case coupondomain.RewardKindTrialExtension:
			trialEndsAt, err := s.membership.ExtendTrialTx(ctx, tx, req.UserID, template.TrialExtensionDays)
			if err != nil {
				return err
			}
			redemption.TrialEndsAt = &trialEndsAt
			outcome.TrialEndsAt = &trialEndsAt
		default:
			return coupondomain.ErrTemplateUnavailable
		}

		spend, err := s.events.InsertSpendTx(ctx, tx, req.UserID, -template.CostPoints, map[string]any{
			"template_id":     template.ID.String(),
			"template_slug":   template.Slug,
			"idempotency_key": key,
		})
		if err != nil {
			return err
		}
		redemption.PointsEventID = &spend.ID

		if err := tx.WithContext(ctx).Create(&redemption).Error; err != nil {
			return err
		}

		balanceAfter, err := s.events.RecomputeBalanceTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		redemption.BalanceAfter = balanceAfter
		if err := tx.WithContext(ctx).
			Model(&redemptiondomain.Redemption{}).
			Where("id = ?", redemption.ID).
			Update("balance_after", balanceAfter).Error; err != nil {
			return err
		}

		outcome.Success = true
		outcome.RedemptionID = redemption.ID
		outcome.RemainingBalance = balanceAfter
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost the race on the idempotency barrier. The winner's row
			// is durable, so replay it.
			prior, lookupErr := s.findCompleted(ctx, req.UserID, hash)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				return s.replayOutcome(ctx, prior), nil
			}
			return nil, redemptiondomain.ErrRedemptionConflict
		}
		if s.metrics != nil && errors.Is(err, redemptiondomain.ErrInsufficientBalance) {
			s.metrics.RecordRedemption(ctx, "insufficient_balance")
		}
		return nil, err
	}

	outcome.Code = plaintext
	s.recordAudit(ctx, req.UserID, &outcome, template)
	if s.metrics != nil {
		s.metrics.RecordRedemption(ctx, "completed")
	}
	s.log.Info("redemption completed",
		zap.Int64("user_id", req.UserID.Int64()),
		zap.Int64("template_id", template.ID.Int64()),
		zap.Int64("remaining_balance", outcome.RemainingBalance),
	)
	return &outcome, nil
}

func (s *Service) findCompleted(ctx context.Context, userID snowflake.ID, hash string) (*redemptiondomain.Redemption, error) {
	var prior redemptiondomain.Redemption
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_hash = ? AND status = ?", userID, hash, redemptiondomain.StatusCompleted).
		First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

// replayOutcome reconstructs the original result without re-exposing the
// coupon plaintext, which only ever leaves the system once.
func (s *Service) replayOutcome(ctx context.Context, prior *redemptiondomain.Redemption) *redemptiondomain.Outcome {
	outcome := &redemptiondomain.Outcome{
		Success:          true,
		RedemptionID:     prior.ID,
		CouponID:         prior.CouponID,
		TrialEndsAt:      prior.TrialEndsAt,
		RemainingBalance: prior.BalanceAfter,
		Replayed:         true,
		Message:          "idempotent replay of a completed redemption",
	}
	if prior.CouponID != nil {
		outcome.Code = masking.MaskedCouponCode
	}
	return outcome
}

func (s *Service) recordAudit(ctx context.Context, userID snowflake.ID, outcome *redemptiondomain.Outcome, template *coupondomain.CouponTemplate) {
	targetID := outcome.RedemptionID.String()
	metadata := map[string]any{
		"template_slug": template.Slug,
		"cost_points":   template.CostPoints,
		"kind":          string(template.Kind),
	}
	if outcome.CouponID != nil {
		metadata["coupon_id"] = outcome.CouponID.String()
	}
	if err := s.audit.AuditLog(ctx, &userID, "user", nil, "redemption.completed", "redemption", &targetID, metadata); err != nil {
		s.log.Warn("failed to write redemption audit entry", zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, userID, redemptionID snowflake.ID) (*redemptiondomain.Redemption, error) {
	var redemption redemptiondomain.Redemption
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", redemptionID, userID).
		First(&redemption).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, redemptiondomain.ErrRedemptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &redemption, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID, limit int) ([]redemptiondomain.Redemption, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var redemptions []redemptiondomain.Redemption
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Limit(limit).
		Find(&redemptions).Error
	if err != nil {
		return nil, err
	}
	return redemptions, nil
}
