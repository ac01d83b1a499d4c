package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/config"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
}

type Service struct {
	secret string
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
}

func NewService(p Params) coupondomain.Service {
	return &Service{
		secret: p.Config.CouponSecret,
		db:     p.DB,
		log:    p.Log.Named("coupon.service"),
		genID:  p.GenID,
		clock:  p.Clock,
	}
}

func (s *Service) ListTemplates(ctx context.Context, includeInactive bool) ([]coupondomain.CouponTemplate, error) {
	stmt := s.db.WithContext(ctx).Order("cost_points asc")
	if !includeInactive {
		stmt = stmt.Where("active = ?", true)
	}

	var templates []coupondomain.CouponTemplate
	if err := stmt.Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func (s *Service) GetTemplate(ctx context.Context, id snowflake.ID) (*coupondomain.CouponTemplate, error) {
	var tmpl coupondomain.CouponTemplate
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&tmpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coupondomain.ErrTemplateNotFound
		}
		return nil, err
	}
	return &tmpl, nil
}

func (s *Service) GetTemplateBySlug(ctx context.Context, slug string) (*coupondomain.CouponTemplate, error) {
	slug = strings.TrimSpace(strings.ToLower(slug))
	if slug == "" {
		return nil, coupondomain.ErrTemplateNotFound
	}

	var tmpl coupondomain.CouponTemplate
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&tmpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coupondomain.ErrTemplateNotFound
		}
		return nil, err
	}
	return &tmpl, nil
}

func (s *Service) CountIssuedForUser(ctx context.Context, tx *gorm.DB, userID, templateID snowflake.ID) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&coupondomain.Coupon{}).
		Where("user_id = ? AND template_id = ? AND status <> ?", userID, templateID, coupondomain.CouponStatusRevoked).
		Count(&count).Error
	return count, err
}

// IssueTx persists a coupon inside the caller's transaction. Only the keyed
// digest of the code is stored.
func (s *Service) IssueTx(ctx context.Context, tx *gorm.DB, req coupondomain.IssueRequest) (*coupondomain.Coupon, error) {
	if tx == nil {
		return nil, errors.New("coupon issue requires a transaction")
	}

	now := s.clock.Now()
	coupon := coupondomain.Coupon{
		ID:         s.genID.Generate(),
		UserID:     req.UserID,
		TemplateID: req.TemplateID,
		CodeDigest: coupondomain.DigestCode(s.secret, req.Code),
		Status:     coupondomain.CouponStatusIssued,
		SingleUse:  true,
		CostPaid:   req.CostPaid,
		IssuedAt:   now,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := tx.WithContext(ctx).Create(&coupon).Error; err != nil {
		return nil, err
	}
	return &coupon, nil
}

// Consume validates a submitted code and flips the coupon from issued to
// redeemed in one conditional update, so a code can never be used twice.
func (s *Service) Consume(ctx context.Context, userID snowflake.ID, code string) (*coupondomain.ConsumeResult, error) {
	digest := coupondomain.DigestCode(s.secret, code)

	var coupon coupondomain.Coupon
	err := s.db.WithContext(ctx).
		Where("code_digest = ? AND user_id = ?", digest, userID).
		First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coupondomain.ErrInvalidCode
		}
		return nil, err
	}

	now := s.clock.Now()
	if now.After(coupon.ExpiresAt) {
		return nil, coupondomain.ErrCouponNotIssued
	}

	result := s.db.WithContext(ctx).
		Model(&coupondomain.Coupon{}).
		Where("id = ? AND status = ?", coupon.ID, coupondomain.CouponStatusIssued).
		Updates(map[string]any{
			"status":      coupondomain.CouponStatusRedeemed,
			"redeemed_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, coupondomain.ErrCouponNotIssued
	}

	s.log.Info("coupon consumed",
		zap.Int64("coupon_id", coupon.ID.Int64()),
		zap.Int64("user_id", userID.Int64()),
	)
	return &coupondomain.ConsumeResult{
		CouponID:   coupon.ID,
		TemplateID: coupon.TemplateID,
		RedeemedAt: now,
	}, nil
}

func (s *Service) Revoke(ctx context.Context, couponID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&coupondomain.Coupon{}).
		Where("id = ? AND status = ?", couponID, coupondomain.CouponStatusIssued).
		Updates(map[string]any{
			"status":     coupondomain.CouponStatusRevoked,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return coupondomain.ErrCouponNotIssued
	}
	return nil
}

// ExpireDue flips issued coupons past their expiry. Run by the sweep loop.
func (s *Service) ExpireDue(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	result := s.db.WithContext(ctx).Exec(
		`UPDATE coupons SET status = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM coupons
			WHERE status = ? AND expires_at < ?
			ORDER BY expires_at ASC
			LIMIT ?
		 )`,
		coupondomain.CouponStatusExpired, now,
		coupondomain.CouponStatusIssued, now,
		batchSize,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("expired coupons", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
