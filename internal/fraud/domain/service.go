package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RecordRequest captures a new anomaly to persist.
type RecordRequest struct {
	UserID   snowflake.ID
	Kind     InsightKind
	Severity Severity
	Score    int
	EventIDs []int64
	Detail   map[string]any
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (*FraudInsight, error)
	UnresolvedCountSince(ctx context.Context, userID snowflake.ID, since time.Time) (int64, error)
	ListByUser(ctx context.Context, userID snowflake.ID, includeResolved bool, limit int) ([]FraudInsight, error)
	Resolve(ctx context.Context, id snowflake.ID, resolvedBy string) error
}
