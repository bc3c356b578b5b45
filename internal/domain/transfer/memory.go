package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a mutex-guarded Repository used by tests and local tooling.
type MemoryRepo struct {
	mu         sync.Mutex
	transfers  map[uuid.UUID]*Transfer
	byReferral map[uuid.UUID]uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		transfers:  make(map[uuid.UUID]*Transfer),
		byReferral: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryRepo) Create(_ context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byReferral[t.ReferralID]; ok {
		return ErrTransferAlreadyExists
	}
	t.ID = uuid.New()
	cp := *t
	m.transfers[t.ID] = &cp
	m.byReferral[t.ReferralID] = t.ID
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryRepo) GetByReferral(ctx context.Context, referralID uuid.UUID) (*Transfer, error) {
	m.mu.Lock()
	id, ok := m.byReferral[referralID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) MarkAdmitted(_ context.Context, id uuid.UUID, at time.Time, notes string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok || t.Status != StatusEnRoute {
		return false, nil
	}
	t.Status = StatusAdmitted
	t.AdmittedAt = &at
	t.ArrivalNotes = notes
	return true, nil
}

func (m *MemoryRepo) ListForHospital(_ context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Transfer, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Transfer
	for _, t := range m.transfers {
		if t.FromHospitalID == hospitalID || t.ToHospitalID == hospitalID {
			cp := *t
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InitiatedAt.After(all[j].InitiatedAt) })
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
