package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound              = errors.New("transfer not found")
	ErrUnauthorized          = errors.New("not permitted")
	ErrAlreadyAdmitted       = errors.New("transfer already admitted")
	ErrTransferAlreadyExists = errors.New("transfer already exists for referral")
	ErrReferralNotAccepted   = errors.New("referral not found or not accepted")
)

type Repository interface {
	// Create returns ErrTransferAlreadyExists when the referral already has one.
	Create(ctx context.Context, t *Transfer) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transfer, error)
	GetByReferral(ctx context.Context, referralID uuid.UUID) (*Transfer, error)
	// MarkAdmitted moves an En Route transfer to Admitted and reports whether
	// it did.
	MarkAdmitted(ctx context.Context, id uuid.UUID, at time.Time, notes string) (bool, error)
	ListForHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Transfer, int, error)
}
