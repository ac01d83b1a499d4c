package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"github.com/habitloop/habitloop/internal/trust"
	"gorm.io/gorm"
)

// trustedDeviceThreshold is how many validated events a device needs before
// it counts as trusted.
const trustedDeviceThreshold = 5

// honeypotField is a hidden form field legitimate clients never populate.
const honeypotField = "website"

// gatherSignals reconstructs all fraud-relevant context for one event from
// durable storage. Nothing here survives across calls.
func (s *Service) gatherSignals(ctx context.Context, event *eventdomain.PointsEvent) (trust.Signals, error) {
	signals := trust.Signals{
		Attestation: attestationSignal(event),
		Proof:       proofSignal(event),
		Ownership:   trust.OwnershipNotApplicable,
	}

	if honeypotTriggered(event) {
		signals.HoneypotTriggered = true
		return signals, nil
	}

	age, err := s.accountAge(ctx, event.UserID, event.CreatedAt)
	if err != nil {
		return trust.Signals{}, err
	}
	signals.AccountAge = age

	spacing, err := s.timeSincePrior(ctx, event)
	if err != nil {
		return trust.Signals{}, err
	}
	signals.TimeSincePrior = spacing

	if event.DeviceID != "" {
		signals.HasDeviceID = true
		seen, validatedCount, err := s.deviceHistory(ctx, event)
		if err != nil {
			return trust.Signals{}, err
		}
		signals.DeviceSeenBefore = seen
		if validatedCount >= trustedDeviceThreshold {
			signals.DeviceTrust = trust.DeviceTrustTrusted
		}
	}

	if event.RelatedEntityID != 0 {
		owned, err := s.ownershipValid(ctx, event)
		if err != nil {
			return trust.Signals{}, err
		}
		if owned {
			signals.Ownership = trust.OwnershipValid
		} else {
			signals.Ownership = trust.OwnershipInvalid
		}
	}

	flags, err := s.fraud.UnresolvedCountSince(ctx, event.UserID, event.CreatedAt.Add(-24*time.Hour))
	if err != nil {
		return trust.Signals{}, err
	}
	signals.UnresolvedFraudFlags = int(flags)

	return signals, nil
}

func attestationSignal(event *eventdomain.PointsEvent) trust.AttestationResult {
	if event.ProofType != eventdomain.ProofTypeAttestation {
		return trust.AttestationAbsent
	}
	if verified, ok := event.ProofPayload["valid"].(bool); ok && verified {
		return trust.AttestationValid
	}
	return trust.AttestationInvalid
}

func proofSignal(event *eventdomain.PointsEvent) trust.ProofResult {
	if event.ProofType != eventdomain.ProofTypeThirdParty {
		return trust.ProofAbsent
	}
	if verified, ok := event.ProofPayload["valid"].(bool); ok && verified {
		return trust.ProofValid
	}
	return trust.ProofInvalid
}

func honeypotTriggered(event *eventdomain.PointsEvent) bool {
	if value, ok := event.Metadata[honeypotField]; ok {
		if text, isString := value.(string); isString {
			return text != ""
		}
		return value != nil
	}
	return false
}

// accountAge measures from the earliest trace of the user we hold, which is
// the membership record or their first ledger row.
func (s *Service) accountAge(ctx context.Context, userID snowflake.ID, asOf time.Time) (time.Duration, error) {
	var membership membershipdomain.Membership
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&membership).Error
	if err == nil {
		return asOf.Sub(membership.CreatedAt), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	var first eventdomain.PointsEvent
	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		First(&first).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return asOf.Sub(first.CreatedAt), nil
}

func (s *Service) timeSincePrior(ctx context.Context, event *eventdomain.PointsEvent) (*time.Duration, error) {
	var prior eventdomain.PointsEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id <> ? AND created_at <= ?", event.UserID, event.ID, event.CreatedAt).
		Order("created_at desc").
		First(&prior).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	spacing := event.CreatedAt.Sub(prior.CreatedAt)
	return &spacing, nil
}

func (s *Service) deviceHistory(ctx context.Context, event *eventdomain.PointsEvent) (bool, int64, error) {
	var seenCount int64
	err := s.db.WithContext(ctx).
		Model(&eventdomain.PointsEvent{}).
		Where("user_id = ? AND device_id = ? AND id <> ?", event.UserID, event.DeviceID, event.ID).
		Count(&seenCount).Error
	if err != nil {
		return false, 0, err
	}

	var validatedCount int64
	err = s.db.WithContext(ctx).
		Model(&eventdomain.PointsEvent{}).
		Where("user_id = ? AND device_id = ? AND id <> ? AND status = ?",
			event.UserID, event.DeviceID, event.ID, eventdomain.StatusValidated).
		Count(&validatedCount).Error
	if err != nil {
		return false, 0, err
	}
	return seenCount > 0, validatedCount, nil
}

// ownershipValid treats a related entity as owned by the first user who
// ever reported against it.
func (s *Service) ownershipValid(ctx context.Context, event *eventdomain.PointsEvent) (bool, error) {
	var foreignCount int64
	err := s.db.WithContext(ctx).
		Model(&eventdomain.PointsEvent{}).
		Where("related_entity_type = ? AND related_entity_id = ? AND user_id <> ?",
			event.RelatedEntityType, event.RelatedEntityID, event.UserID).
		Count(&foreignCount).Error
	if err != nil {
		return false, err
	}
	return foreignCount == 0, nil
}

// streakDays counts consecutive daily completions for the related entity
// ending on the event's day (or the day before, so a first event of the day
// continues yesterday's run).
func (s *Service) streakDays(ctx context.Context, event *eventdomain.PointsEvent) (int, error) {
	if event.RelatedEntityID == 0 {
		return 0, nil
	}

	since := event.OccurredAt.AddDate(0, 0, -120)
	var rows []eventdomain.PointsEvent
	err := s.db.WithContext(ctx).
		Select("occurred_at").
		Where("user_id = ? AND related_entity_id = ? AND event_type = ? AND occurred_at >= ? AND occurred_at <= ? AND status IN ?",
			event.UserID, event.RelatedEntityID, event.EventType,
			since, event.OccurredAt,
			[]eventdomain.ValidationStatus{eventdomain.StatusValidated, eventdomain.StatusValidating}).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	days := map[string]bool{}
	for _, row := range rows {
		days[row.OccurredAt.UTC().Format("2006-01-02")] = true
	}

	streak := 0
	day := event.OccurredAt.UTC().Truncate(24 * time.Hour)
	for {
		if !days[day.Format("2006-01-02")] {
			break
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak, nil
}
