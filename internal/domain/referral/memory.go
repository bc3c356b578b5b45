package referral

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a mutex-guarded Repository used by tests and local tooling.
// Transition gives the same compare-and-set guarantee as the SQL version.
type MemoryRepo struct {
	mu        sync.Mutex
	referrals map[uuid.UUID]*Referral
	responses map[uuid.UUID][]*Response
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		referrals: make(map[uuid.UUID]*Referral),
		responses: make(map[uuid.UUID][]*Response),
	}
}

func (m *MemoryRepo) Create(_ context.Context, ref *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	if ref.ChainID == uuid.Nil {
		ref.ChainID = ref.ID
	}
	cp := *ref
	m.referrals[ref.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.referrals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ref
	return &cp, nil
}

func (m *MemoryRepo) Transition(_ context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.referrals[id]
	if !ok || ref.Status != StatusPending {
		return false, nil
	}
	ref.Status = status
	if status == StatusEscalated {
		ref.EscalatedAt = &at
	} else {
		ref.RespondedAt = &at
	}
	return true, nil
}

func (m *MemoryRepo) AddResponse(_ context.Context, resp *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp.ID = uuid.New()
	cp := *resp
	m.responses[resp.ReferralID] = append(m.responses[resp.ReferralID], &cp)
	return nil
}

func (m *MemoryRepo) ListResponses(_ context.Context, referralID uuid.UUID) ([]*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Response
	for _, r := range m.responses[referralID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepo) filter(keep func(*Referral) bool) []*Referral {
	var out []*Referral
	for _, ref := range m.referrals {
		if keep(ref) {
			cp := *ref
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryRepo) ListPendingForTarget(_ context.Context, hospitalID uuid.UUID) ([]*Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(r *Referral) bool { return r.TargetHospitalID == hospitalID && r.IsPending() })
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

func (m *MemoryRepo) ListForHospital(_ context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Referral, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filter(func(r *Referral) bool {
		return r.RequestingHospitalID == hospitalID || r.TargetHospitalID == hospitalID
	})
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepo) ListPending(_ context.Context) ([]*Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(r *Referral) bool { return r.IsPending() })
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

func (m *MemoryRepo) ChainTargets(_ context.Context, chainID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, ref := range m.referrals {
		if ref.ChainID == chainID && !seen[ref.TargetHospitalID] {
			seen[ref.TargetHospitalID] = true
			ids = append(ids, ref.TargetHospitalID)
		}
	}
	return ids, nil
}
