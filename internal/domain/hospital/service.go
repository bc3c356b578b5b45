package hospital

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Directory is the read-only view of hospitals used by the referral and
// transfer components.
type Directory struct {
	repo            Repository
	defaultDuration time.Duration
}

func NewDirectory(repo Repository, defaultDuration time.Duration) *Directory {
	if defaultDuration <= 0 {
		defaultDuration = DefaultNotificationDuration
	}
	return &Directory{repo: repo, defaultDuration: defaultDuration}
}

func (d *Directory) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return d.repo.GetByID(ctx, id)
}

func (d *Directory) ListHospitals(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	return d.repo.List(ctx, limit, offset)
}

// ListHospitalsWithCapacity returns active hospitals with at least one free
// bed.
func (d *Directory) ListHospitalsWithCapacity(ctx context.Context) ([]*Hospital, error) {
	return d.repo.ListWithCapacity(ctx)
}

// GetNotificationDuration returns how long a referral to id may stay
// unanswered before escalation.
func (d *Directory) GetNotificationDuration(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	h, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return d.DurationFor(h), nil
}

func (d *Directory) DurationFor(h *Hospital) time.Duration {
	if h.NotificationDuration <= 0 {
		return d.defaultDuration
	}
	return time.Duration(h.NotificationDuration) * time.Second
}

// RankByDistance orders hospitals by distance from origin, nearest first.
// Ties keep input order.
func RankByDistance(origin *Hospital, hospitals []*Hospital) []Candidate {
	out := make([]Candidate, 0, len(hospitals))
	for _, h := range hospitals {
		out = append(out, Candidate{Hospital: h, DistanceKM: Distance(origin, h)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKM < out[j].DistanceKM
	})
	return out
}

// Nearby ranks hospitals with capacity around origin, leaving out origin
// itself and anything in exclude.
func (d *Directory) Nearby(ctx context.Context, originID uuid.UUID, exclude map[uuid.UUID]bool) ([]Candidate, error) {
	origin, err := d.repo.GetByID(ctx, originID)
	if err != nil {
		return nil, fmt.Errorf("origin hospital: %w", err)
	}
	all, err := d.repo.ListWithCapacity(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*Hospital, 0, len(all))
	for _, h := range all {
		if h.ID == originID || exclude[h.ID] || !h.HasCapacity() {
			continue
		}
		filtered = append(filtered, h)
	}
	return RankByDistance(origin, filtered), nil
}

// NearestWithCapacity returns the closest candidate from Nearby, or nil
// when there is none.
func (d *Directory) NearestWithCapacity(ctx context.Context, originID uuid.UUID, exclude map[uuid.UUID]bool) (*Candidate, error) {
	ranked, err := d.Nearby(ctx, originID, exclude)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	return &ranked[0], nil
}
