package bed

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNoFreeBed   = errors.New("no free bed")
	ErrBedNotFound = errors.New("bed not found")
	ErrBedReserved = errors.New("bed is reserved for a transfer in progress")
)

type Repository interface {
	// Reserve marks the lowest-numbered free bed of the hospital occupied
	// and returns it. Concurrent callers never receive the same bed.
	Reserve(ctx context.Context, hospitalID uuid.UUID) (*Bed, error)
	// Release frees the bed. Releasing a free bed is a no-op.
	Release(ctx context.Context, bedID uuid.UUID) (*Bed, error)
	AttachTransfer(ctx context.Context, bedID, transferID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bed, error)
	ListAvailable(ctx context.Context, hospitalID uuid.UUID) ([]*Bed, error)
	Stats(ctx context.Context, hospitalID uuid.UUID) (*Stats, error)
	Provision(ctx context.Context, hospitalID uuid.UUID, count int, bedType string) ([]*Bed, error)
}
