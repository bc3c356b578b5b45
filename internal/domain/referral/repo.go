package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Referral) error
	GetByID(ctx context.Context, id uuid.UUID) (*Referral, error)
	// Transition moves a Pending referral to status and stamps responded_at
	// or escalated_at. It reports false when the referral was no longer
	// Pending.
	Transition(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error)
	AddResponse(ctx context.Context, resp *Response) error
	ListResponses(ctx context.Context, referralID uuid.UUID) ([]*Response, error)
	ListPendingForTarget(ctx context.Context, hospitalID uuid.UUID) ([]*Referral, error)
	ListForHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Referral, int, error)
	ListPending(ctx context.Context) ([]*Referral, error)
	// ChainTargets returns every hospital already contacted in a chain.
	ChainTargets(ctx context.Context, chainID uuid.UUID) ([]uuid.UUID, error)
}
