package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// RedeemRequest spends balance against one reward template. IdempotencyKey
// is caller-chosen; retries with the same key replay the original outcome.
type RedeemRequest struct {
	UserID         snowflake.ID
	TemplateID     snowflake.ID
	IdempotencyKey string
	Metadata       map[string]any
}

type Service interface {
	// Redeem runs the full redemption flow: replay check, template policy,
	// balance lock and verification, artifact generation, the paired
	// negative ledger entry and the redemption record, all in one
	// transaction.
	Redeem(ctx context.Context, req RedeemRequest) (*Outcome, error)

	Get(ctx context.Context, userID, redemptionID snowflake.ID) (*Redemption, error)
	List(ctx context.Context, userID snowflake.ID, limit int) ([]Redemption, error)
}
