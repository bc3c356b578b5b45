package bed

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const EventBedStatsUpdate = "bed_stats_update"

// Publisher fans events out to connected hospitals.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// TransferStatus reports whether the transfer holding a bed is still on its
// way to the hospital.
type TransferStatus interface {
	InTransit(ctx context.Context, transferID uuid.UUID) (bool, error)
}

// Service owns bed occupancy. Reserve is the only way a bed becomes occupied
// for an incoming transfer.
type Service struct {
	repo      Repository
	transfers TransferStatus
	pub       Publisher
	logger    zerolog.Logger
}

func NewService(repo Repository, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{repo: repo, pub: pub, logger: logger.With().Str("component", "beds").Logger()}
}

// Reserve takes a free bed at hospitalID. It does not publish; the caller
// publishes stats once its surrounding transaction has committed.
func (s *Service) Reserve(ctx context.Context, hospitalID uuid.UUID) (*Bed, error) {
	return s.repo.Reserve(ctx, hospitalID)
}

// ReleaseQuiet frees a bed without broadcasting. Used to undo a reservation
// inside a transaction that is about to fail.
func (s *Service) ReleaseQuiet(ctx context.Context, bedID uuid.UUID) error {
	_, err := s.repo.Release(ctx, bedID)
	return err
}

// SetTransferStatus wires the transfer lookup used by Release. Until it is
// set, beds linked to any transfer stay occupied.
func (s *Service) SetTransferStatus(ts TransferStatus) { s.transfers = ts }

func (s *Service) AttachTransfer(ctx context.Context, bedID, transferID uuid.UUID) error {
	return s.repo.AttachTransfer(ctx, bedID, transferID)
}

// Release frees a bed on discharge and broadcasts the new occupancy.
// Releasing an already free bed succeeds. A bed reserved for a patient who
// is still En Route returns ErrBedReserved.
func (s *Service) Release(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	b, err := s.repo.GetByID(ctx, bedID)
	if err != nil {
		return nil, err
	}
	if b.CurrentTransferID != nil {
		held, err := s.heldByTransfer(ctx, *b.CurrentTransferID)
		if err != nil {
			return nil, err
		}
		if held {
			return nil, ErrBedReserved
		}
	}

	b, err = s.repo.Release(ctx, bedID)
	if err != nil {
		return nil, err
	}
	s.PublishStats(ctx, b.HospitalID)
	return b, nil
}

func (s *Service) heldByTransfer(ctx context.Context, transferID uuid.UUID) (bool, error) {
	if s.transfers == nil {
		return true, nil
	}
	held, err := s.transfers.InTransit(ctx, transferID)
	if err != nil {
		return false, fmt.Errorf("check transfer %s: %w", transferID, err)
	}
	return held, nil
}

func (s *Service) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListAvailable(ctx context.Context, hospitalID uuid.UUID) ([]*Bed, error) {
	return s.repo.ListAvailable(ctx, hospitalID)
}

func (s *Service) Stats(ctx context.Context, hospitalID uuid.UUID) (*Stats, error) {
	return s.repo.Stats(ctx, hospitalID)
}

func (s *Service) Provision(ctx context.Context, hospitalID uuid.UUID, count int, bedType string) ([]*Bed, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	bedType = strings.TrimSpace(bedType)
	if bedType == "" {
		bedType = DefaultBedType
	}
	beds, err := s.repo.Provision(ctx, hospitalID, count, bedType)
	if err != nil {
		return nil, err
	}
	s.PublishStats(ctx, hospitalID)
	return beds, nil
}

// PublishStats broadcasts bed_stats_update for hospitalID. Failures are
// logged only; occupancy itself is already durable.
func (s *Service) PublishStats(ctx context.Context, hospitalID uuid.UUID) {
	if s.pub == nil {
		return
	}
	stats, err := s.repo.Stats(ctx, hospitalID)
	if err != nil {
		s.logger.Warn().Err(err).Str("hospital_id", hospitalID.String()).Msg("load bed stats for broadcast")
		return
	}
	if err := s.pub.Publish(ctx, EventBedStatsUpdate, stats); err != nil {
		s.logger.Warn().Err(err).Str("hospital_id", hospitalID.String()).Msg("publish bed stats")
	}
}
