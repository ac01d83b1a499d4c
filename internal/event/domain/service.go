package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SubmitRequest is a raw behavioral event from an upstream producer. The
// caller identity is already verified.
type SubmitRequest struct {
	UserID     snowflake.ID
	EventType  EventType
	OccurredAt time.Time
	Nonce      string
	Payload    map[string]any

	ProofType    ProofType
	ProofPayload map[string]any

	DeviceID          string
	RelatedEntityType string
	RelatedEntityID   snowflake.ID

	Metadata map[string]any
}

// BatchResult reports each record's outcome individually so one bad record
// does not hide the rest.
type BatchResult struct {
	Outcomes []ValidationOutcome `json:"outcomes"`
	Failed   []BatchFailure      `json:"failed,omitempty"`
}

type BatchFailure struct {
	EventID snowflake.ID `json:"event_id"`
	Reason  string       `json:"reason"`
}

// ListRequest narrows the user's ledger listing.
type ListRequest struct {
	UserID   snowflake.ID
	Status   ValidationStatus
	BeforeID snowflake.ID
	Limit    int
}

type Service interface {
	// Submit admits, persists and synchronously validates one event.
	Submit(ctx context.Context, req SubmitRequest) (*ValidationOutcome, error)

	// Validate drives one pending event to a terminal state. The
	// pending to validating transition acts as the processing lock.
	Validate(ctx context.Context, eventID snowflake.ID) (*ValidationOutcome, error)

	// ValidateBatch processes the oldest pending events first, up to limit,
	// isolating per-record failures.
	ValidateBatch(ctx context.Context, limit int) (*BatchResult, error)

	// ResolveReview settles a pending_review event. Approve awards points
	// as if validation had succeeded; deny rejects and flags the denial.
	ResolveReview(ctx context.Context, eventID snowflake.ID, approve bool, reviewer, reason string) (*ValidationOutcome, error)

	// RequeueStuck returns validating events older than threshold to
	// pending so a crashed validator cannot strand them.
	RequeueStuck(ctx context.Context, threshold time.Duration, batchSize int) (int64, error)

	Balance(ctx context.Context, userID snowflake.ID) (*UserPointsCache, error)
	List(ctx context.Context, req ListRequest) ([]PointsEvent, error)

	// LockBalanceTx seeds the user's cache row and takes a per-user row
	// lock where the store supports one, serializing concurrent spends.
	LockBalanceTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID) error

	// InsertSpendTx appends a negative delta row inside the caller's
	// transaction, used by the redemption coordinator.
	InsertSpendTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, delta int64, metadata map[string]any) (*PointsEvent, error)

	// RecomputeBalanceTx rebuilds the cache row from the full validated
	// ledger inside the caller's transaction and returns the new balance.
	RecomputeBalanceTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (int64, error)
}
