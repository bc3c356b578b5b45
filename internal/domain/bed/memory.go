package bed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a mutex-guarded Repository used by tests and local tooling.
type MemoryRepo struct {
	mu   sync.Mutex
	beds map[uuid.UUID]*Bed
	now  func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{beds: make(map[uuid.UUID]*Bed), now: time.Now}
}

func (m *MemoryRepo) sortedLocked(hospitalID uuid.UUID) []*Bed {
	var out []*Bed
	for _, b := range m.beds {
		if b.HospitalID == hospitalID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BedNumber < out[j].BedNumber })
	return out
}

func (m *MemoryRepo) Reserve(_ context.Context, hospitalID uuid.UUID) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.sortedLocked(hospitalID) {
		if !b.Occupied {
			b.Occupied = true
			b.UpdatedAt = m.now()
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNoFreeBed
}

func (m *MemoryRepo) Release(_ context.Context, bedID uuid.UUID) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[bedID]
	if !ok {
		return nil, ErrBedNotFound
	}
	b.Occupied = false
	b.CurrentTransferID = nil
	b.UpdatedAt = m.now()
	cp := *b
	return &cp, nil
}

func (m *MemoryRepo) AttachTransfer(_ context.Context, bedID, transferID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[bedID]
	if !ok {
		return ErrBedNotFound
	}
	b.CurrentTransferID = &transferID
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok {
		return nil, ErrBedNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryRepo) ListAvailable(_ context.Context, hospitalID uuid.UUID) ([]*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Bed
	for _, b := range m.sortedLocked(hospitalID) {
		if !b.Occupied {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) Stats(_ context.Context, hospitalID uuid.UUID) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	beds := m.sortedLocked(hospitalID)
	occupied := 0
	for _, b := range beds {
		if b.Occupied {
			occupied++
		}
	}
	return newStats(hospitalID, len(beds), occupied), nil
}

func (m *MemoryRepo) Provision(_ context.Context, hospitalID uuid.UUID, count int, bedType string) ([]*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 0
	for _, b := range m.sortedLocked(hospitalID) {
		next = b.BedNumber
	}
	out := make([]*Bed, 0, count)
	for i := 1; i <= count; i++ {
		b := &Bed{
			ID:         uuid.New(),
			HospitalID: hospitalID,
			BedNumber:  next + i,
			BedType:    bedType,
			UpdatedAt:  m.now(),
		}
		m.beds[b.ID] = b
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}
