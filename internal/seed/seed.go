package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	"gorm.io/gorm"
)

type templateSeed struct {
	Name               string
	Description        string
	Kind               coupondomain.RewardKind
	CostPoints         int64
	DiscountPercent    int
	TrialExtensionDays int
	MaxPerUser         int
	ExpiryDays         int
	PartnerName        string
}

var defaultTemplates = []templateSeed{
	{
		Name:            "10% Off Next Renewal",
		Description:     "One-time 10% discount applied to the next subscription renewal.",
		Kind:            coupondomain.RewardKindDiscountCode,
		CostPoints:      500,
		DiscountPercent: 10,
		MaxPerUser:      3,
		ExpiryDays:      30,
	},
	{
		Name:            "25% Off Next Renewal",
		Description:     "One-time 25% discount applied to the next subscription renewal.",
		Kind:            coupondomain.RewardKindDiscountCode,
		CostPoints:      1200,
		DiscountPercent: 25,
		MaxPerUser:      1,
		ExpiryDays:      30,
	},
	{
		Name:               "7 Day Trial Extension",
		Description:        "Extends the current trial period by seven days.",
		Kind:               coupondomain.RewardKindTrialExtension,
		CostPoints:         300,
		TrialExtensionDays: 7,
		MaxPerUser:         2,
		ExpiryDays:         14,
	},
	{
		Name:               "30 Day Trial Extension",
		Description:        "Extends the current trial period by thirty days.",
		Kind:               coupondomain.RewardKindTrialExtension,
		CostPoints:         1000,
		TrialExtensionDays: 30,
		MaxPerUser:         1,
		ExpiryDays:         14,
	},
}

// EnsureDefaultTemplates seeds the built-in reward templates on startup.
// Existing templates are left untouched so operator edits survive restarts.
func EnsureDefaultTemplates(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tmpl := range defaultTemplates {
			if err := ensureTemplateTx(ctx, tx, node, tmpl); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureTemplateTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, tmpl templateSeed) error {
	templateSlug := slug.Make(tmpl.Name)

	var existing coupondomain.CouponTemplate
	err := tx.WithContext(ctx).
		Where("slug = ?", templateSlug).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	record := coupondomain.CouponTemplate{
		ID:                 node.Generate(),
		Slug:               templateSlug,
		Name:               tmpl.Name,
		Description:        tmpl.Description,
		Kind:               tmpl.Kind,
		CostPoints:         tmpl.CostPoints,
		DiscountPercent:    tmpl.DiscountPercent,
		TrialExtensionDays: tmpl.TrialExtensionDays,
		MaxPerUser:         tmpl.MaxPerUser,
		ExpiryDays:         tmpl.ExpiryDays,
		PartnerName:        tmpl.PartnerName,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return tx.WithContext(ctx).Create(&record).Error
}
