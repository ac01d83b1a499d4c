package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	frauddomain "github.com/habitloop/habitloop/internal/fraud/domain"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) frauddomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("fraud.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Record(ctx context.Context, req frauddomain.RecordRequest) (*frauddomain.FraudInsight, error) {
	insight := frauddomain.FraudInsight{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Severity:  req.Severity,
		Score:     req.Score,
		EventIDs:  pq.Int64Array(req.EventIDs),
		Detail:    datatypes.JSONMap(req.Detail),
		CreatedAt: s.clock.Now(),
	}

	if err := s.db.WithContext(ctx).Create(&insight).Error; err != nil {
		return nil, err
	}

	s.log.Info("fraud insight recorded",
		zap.Int64("user_id", req.UserID.Int64()),
		zap.String("kind", string(req.Kind)),
		zap.String("severity", string(req.Severity)),
		zap.Int("score", req.Score),
	)
	return &insight, nil
}

func (s *Service) UnresolvedCountSince(ctx context.Context, userID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&frauddomain.FraudInsight{}).
		Where("user_id = ? AND resolved = ? AND created_at >= ?", userID, false, since).
		Count(&count).Error
	return count, err
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, includeResolved bool, limit int) ([]frauddomain.FraudInsight, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	stmt := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit)
	if !includeResolved {
		stmt = stmt.Where("resolved = ?", false)
	}

	var insights []frauddomain.FraudInsight
	if err := stmt.Find(&insights).Error; err != nil {
		return nil, err
	}
	return insights, nil
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID, resolvedBy string) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&frauddomain.FraudInsight{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{
			"resolved":    true,
			"resolved_at": now,
			"resolved_by": resolvedBy,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return frauddomain.ErrInsightNotFound
	}
	return nil
}
