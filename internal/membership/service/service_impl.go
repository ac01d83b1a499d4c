package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"github.com/habitloop/habitloop/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) membershipdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("membership.service"),
		clock: p.Clock,
	}
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (*membershipdomain.Membership, error) {
	var m membershipdomain.Membership
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, membershipdomain.ErrMembershipNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Service) ApplyNotification(ctx context.Context, n membershipdomain.Notification) (bool, error) {
	eventID := strings.TrimSpace(n.EventID)
	if eventID == "" || n.UserID == 0 {
		return false, membershipdomain.ErrInvalidNotification
	}

	now := s.clock.Now()
	applied := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The event id insert is the dedupe barrier for provider retries.
		dedupe := membershipdomain.ProcessedNotification{
			ProviderEventID: eventID,
			Provider:        strings.TrimSpace(n.Provider),
			ReceivedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(&dedupe).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return nil
			}
			return err
		}

		userID := snowflake.ID(n.UserID)
		var existing membershipdomain.Membership
		err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			existing = membershipdomain.Membership{
				UserID:    userID,
				CreatedAt: now,
			}
		}

		if n.Tier != "" {
			existing.Tier = n.Tier
		}
		if n.Status != "" {
			existing.Status = n.Status
		}
		if n.TrialEndsAt != nil {
			trialEnd := n.TrialEndsAt.UTC()
			existing.TrialEndsAt = &trialEnd
		}
		if provider := strings.TrimSpace(n.Provider); provider != "" {
			existing.Provider = provider
		}
		if ref := strings.TrimSpace(n.ProviderRef); ref != "" {
			existing.ProviderRef = ref
		}
		existing.UpdatedAt = now

		if err := tx.WithContext(ctx).Save(&existing).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.log.Info("membership notification applied",
			zap.String("event_id", eventID),
			zap.Int64("user_id", n.UserID),
			zap.String("type", n.Type),
		)
	} else {
		s.log.Debug("membership notification replayed", zap.String("event_id", eventID))
	}
	return applied, nil
}

func (s *Service) ExtendTrialTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, days int) (time.Time, error) {
	if tx == nil {
		return time.Time{}, errors.New("trial extension requires a transaction")
	}
	if days <= 0 {
		return time.Time{}, membershipdomain.ErrInvalidNotification
	}

	now := s.clock.Now()

	var existing membershipdomain.Membership
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, err
		}
		existing = membershipdomain.Membership{
			UserID:    userID,
			Tier:      membershipdomain.TierFree,
			Status:    membershipdomain.StatusTrialing,
			CreatedAt: now,
		}
	}

	base := now
	if existing.TrialEndsAt != nil && existing.TrialEndsAt.After(now) {
		base = *existing.TrialEndsAt
	}
	newEnd := base.AddDate(0, 0, days)
	existing.TrialEndsAt = &newEnd
	existing.UpdatedAt = now

	if err := tx.WithContext(ctx).Save(&existing).Error; err != nil {
		return time.Time{}, err
	}
	return newEnd, nil
}
