package hospital

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockRepo struct {
	hospitals map[uuid.UUID]*Hospital
	order     []uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{hospitals: make(map[uuid.UUID]*Hospital)}
}

func (m *mockRepo) add(h *Hospital) *Hospital {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	m.hospitals[h.ID] = h
	m.order = append(m.order, h.ID)
	return h
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Hospital, error) {
	h, ok := m.hospitals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (m *mockRepo) ListWithCapacity(_ context.Context) ([]*Hospital, error) {
	var out []*Hospital
	for _, id := range m.order {
		if h := m.hospitals[id]; h.HasCapacity() {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Hospital, int, error) {
	var out []*Hospital
	for _, id := range m.order {
		out = append(out, m.hospitals[id])
	}
	return out, len(out), nil
}

// Coordinates roughly along a line east of the origin.
func seedDirectory() (*Directory, *mockRepo, map[string]*Hospital) {
	repo := newMockRepo()
	hs := map[string]*Hospital{
		"origin": repo.add(&Hospital{Name: "Origin General", Latitude: 12.97, Longitude: 77.59, Active: true, TotalBeds: 10, AvailableBeds: 0}),
		"near":   repo.add(&Hospital{Name: "Near Care", Latitude: 12.98, Longitude: 77.60, Active: true, TotalBeds: 5, AvailableBeds: 2, NotificationDuration: 60}),
		"mid":    repo.add(&Hospital{Name: "Mid City", Latitude: 13.05, Longitude: 77.70, Active: true, TotalBeds: 5, AvailableBeds: 1}),
		"far":    repo.add(&Hospital{Name: "Far District", Latitude: 13.50, Longitude: 78.20, Active: true, TotalBeds: 5, AvailableBeds: 4}),
		"full":   repo.add(&Hospital{Name: "Full House", Latitude: 12.971, Longitude: 77.591, Active: true, TotalBeds: 3, AvailableBeds: 0}),
		"closed": repo.add(&Hospital{Name: "Closed Wing", Latitude: 12.972, Longitude: 77.592, Active: false, TotalBeds: 3, AvailableBeds: 3}),
	}
	return NewDirectory(repo, 0), repo, hs
}

func TestHaversine_Symmetric(t *testing.T) {
	pairs := [][4]float64{
		{12.97, 77.59, 13.05, 77.70},
		{-33.86, 151.20, 51.50, -0.12},
		{0, 0, 0, 180},
		{89.9, 10, -89.9, -170},
	}
	for _, p := range pairs {
		ab := Haversine(p[0], p[1], p[2], p[3])
		ba := Haversine(p[2], p[3], p[0], p[1])
		if math.Abs(ab-ba) > 1e-9 {
			t.Errorf("distance not symmetric for %v: %f vs %f", p, ab, ba)
		}
	}
}

func TestHaversine_ZeroForSamePoint(t *testing.T) {
	if d := Haversine(12.97, 77.59, 12.97, 77.59); d != 0 {
		t.Errorf("expected 0, got %f", d)
	}
}

func TestHaversine_KnownDistance(t *testing.T) {
	// One degree of latitude is about 111.19 km on a 6371 km sphere.
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111.19) > 0.01 {
		t.Errorf("expected ~111.19 km, got %f", d)
	}
	// Antipodal points are half the circumference apart.
	d = Haversine(0, 0, 0, 180)
	if math.Abs(d-math.Pi*earthRadiusKM) > 1e-6 {
		t.Errorf("expected %f, got %f", math.Pi*earthRadiusKM, d)
	}
}

func TestRankByDistance_Order(t *testing.T) {
	_, _, hs := seedDirectory()
	ranked := RankByDistance(hs["origin"], []*Hospital{hs["far"], hs["near"], hs["mid"]})
	want := []string{"Near Care", "Mid City", "Far District"}
	for i, name := range want {
		if ranked[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, ranked[i].Name)
		}
	}
	if ranked[0].DistanceKM >= ranked[1].DistanceKM {
		t.Error("expected increasing distances")
	}
}

func TestDirectory_NearbyExcludesSelfFullInactiveAndExcluded(t *testing.T) {
	dir, _, hs := seedDirectory()

	ranked, err := dir.Nearby(context.Background(), hs["origin"].ID, map[uuid.UUID]bool{hs["mid"].ID: true})
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ranked))
	}
	if ranked[0].ID != hs["near"].ID || ranked[1].ID != hs["far"].ID {
		t.Errorf("unexpected ranking: %s, %s", ranked[0].Name, ranked[1].Name)
	}
}

func TestDirectory_NearestWithCapacity(t *testing.T) {
	dir, _, hs := seedDirectory()

	c, err := dir.NearestWithCapacity(context.Background(), hs["origin"].ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil || c.ID != hs["near"].ID {
		t.Fatalf("expected Near Care, got %+v", c)
	}

	exclude := map[uuid.UUID]bool{hs["near"].ID: true, hs["mid"].ID: true, hs["far"].ID: true}
	c, err = dir.NearestWithCapacity(context.Background(), hs["origin"].ID, exclude)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Fatalf("expected no candidate, got %s", c.Name)
	}
}

func TestDirectory_NearbyUnknownOrigin(t *testing.T) {
	dir, _, _ := seedDirectory()
	_, err := dir.Nearby(context.Background(), uuid.New(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectory_GetNotificationDuration(t *testing.T) {
	dir, _, hs := seedDirectory()

	d, err := dir.GetNotificationDuration(context.Background(), hs["near"].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 60*time.Second {
		t.Errorf("expected 60s, got %s", d)
	}

	d, err = dir.GetNotificationDuration(context.Background(), hs["mid"].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != DefaultNotificationDuration {
		t.Errorf("expected default %s, got %s", DefaultNotificationDuration, d)
	}
}

func TestDirectory_CustomDefaultDuration(t *testing.T) {
	repo := newMockRepo()
	h := repo.add(&Hospital{Name: "X", Active: true})
	dir := NewDirectory(repo, 30*time.Second)
	d, _ := dir.GetNotificationDuration(context.Background(), h.ID)
	if d != 30*time.Second {
		t.Errorf("expected 30s, got %s", d)
	}
}

func TestDirectory_ListHospitalsWithCapacity(t *testing.T) {
	dir, _, _ := seedDirectory()
	hs, err := dir.ListHospitalsWithCapacity(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hs) != 3 {
		t.Errorf("expected 3 hospitals with capacity, got %d", len(hs))
	}
	for _, h := range hs {
		if h.AvailableBeds > h.TotalBeds {
			t.Errorf("%s: available %d exceeds total %d", h.Name, h.AvailableBeds, h.TotalBeds)
		}
	}
}
