package hospital

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("hospital not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	ListWithCapacity(ctx context.Context) ([]*Hospital, error)
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
}
