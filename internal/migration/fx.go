package migration

import (
	auditdomain "github.com/habitloop/habitloop/internal/audit/domain"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	frauddomain "github.com/habitloop/habitloop/internal/fraud/domain"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	redemptiondomain "github.com/habitloop/habitloop/internal/redemption/domain"
	"github.com/habitloop/habitloop/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if conn.Dialector.Name() == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Non-postgres targets are for local development only.
			if err := conn.AutoMigrate(
				&eventdomain.PointsEvent{},
				&eventdomain.UserPointsCache{},
				&frauddomain.FraudInsight{},
				&coupondomain.CouponTemplate{},
				&coupondomain.Coupon{},
				&redemptiondomain.Redemption{},
				&membershipdomain.Membership{},
				&membershipdomain.ProcessedNotification{},
				&auditdomain.AuditLog{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultTemplates(conn)
	}),
)
