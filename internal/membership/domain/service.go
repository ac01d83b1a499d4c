package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	Get(ctx context.Context, userID snowflake.ID) (*Membership, error)

	// ApplyNotification upserts the tier/status record from a verified
	// provider notification. Notifications replaying an already-processed
	// event id are acknowledged without effect.
	ApplyNotification(ctx context.Context, n Notification) (bool, error)

	// ExtendTrialTx pushes trial_ends_at forward inside the caller's
	// transaction, measured from the later of now and the current end.
	ExtendTrialTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, days int) (time.Time, error)
}
