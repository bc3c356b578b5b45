package referral

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referralhub/internal/domain/bed"
	"github.com/ehr/referralhub/internal/domain/hospital"
	"github.com/ehr/referralhub/internal/domain/transfer"
	"github.com/ehr/referralhub/internal/platform/db"
	"github.com/ehr/referralhub/internal/platform/notification"
)

// -- Fakes --

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// hospitalRepo derives bed counts from the bed repository, like the SQL
// view does.
type hospitalRepo struct {
	beds      *bed.MemoryRepo
	hospitals map[uuid.UUID]*hospital.Hospital
	order     []uuid.UUID
}

func (f *hospitalRepo) withCounts(ctx context.Context, h *hospital.Hospital) *hospital.Hospital {
	cp := *h
	st, _ := f.beds.Stats(ctx, h.ID)
	cp.TotalBeds, cp.AvailableBeds = st.Total, st.Available
	return &cp
}

func (f *hospitalRepo) GetByID(ctx context.Context, id uuid.UUID) (*hospital.Hospital, error) {
	h, ok := f.hospitals[id]
	if !ok {
		return nil, hospital.ErrNotFound
	}
	return f.withCounts(ctx, h), nil
}

func (f *hospitalRepo) ListWithCapacity(ctx context.Context) ([]*hospital.Hospital, error) {
	var out []*hospital.Hospital
	for _, id := range f.order {
		if h := f.withCounts(ctx, f.hospitals[id]); h.HasCapacity() {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *hospitalRepo) List(ctx context.Context, limit, offset int) ([]*hospital.Hospital, int, error) {
	var out []*hospital.Hospital
	for _, id := range f.order {
		out = append(out, f.withCounts(ctx, f.hospitals[id]))
	}
	return out, len(out), nil
}

type published struct {
	name    string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, name string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{name, payload})
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.name
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func (p *recordingPublisher) last(name string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].name == name {
			return p.events[i].payload
		}
	}
	return nil
}

type recordingNotifier struct {
	mu         sync.Mutex
	recipients []uuid.UUID
	templates  []string
	data       []map[string]string
}

func (n *recordingNotifier) Notify(_ context.Context, recipient uuid.UUID, templateID string, data map[string]string) (*notification.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients = append(n.recipients, recipient)
	n.templates = append(n.templates, templateID)
	n.data = append(n.data, data)
	return &notification.Notification{Recipient: recipient, TemplateID: templateID}, nil
}

// sent returns the recipients of every notice rendered from templateID.
func (n *recordingNotifier) sent(templateID string) []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []uuid.UUID
	for i, id := range n.templates {
		if id == templateID {
			out = append(out, n.recipients[i])
		}
	}
	return out
}

// -- Harness --

// Hospitals lie roughly on a line north-east of A: B is nearest, then C,
// then D. F is the far fallback with no beds; E is inactive.
type harness struct {
	svc       *Service
	repo      *MemoryRepo
	beds      *bed.MemoryRepo
	bedSvc    *bed.Service
	transfers *transfer.Service
	sched     *Scheduler
	pub       *recordingPublisher
	notifier  *recordingNotifier
	clock     *fakeClock

	A, B, C, D, E, F uuid.UUID
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		repo:     NewMemoryRepo(),
		beds:     bed.NewMemoryRepo(),
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
		clock:    &fakeClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)},
	}

	hr := &hospitalRepo{beds: h.beds, hospitals: make(map[uuid.UUID]*hospital.Hospital)}
	add := func(name string, lat, lon float64, beds int, active bool) uuid.UUID {
		id := uuid.New()
		hr.hospitals[id] = &hospital.Hospital{ID: id, Name: name, Latitude: lat, Longitude: lon, Active: active}
		hr.order = append(hr.order, id)
		if beds > 0 {
			if _, err := h.beds.Provision(ctx, id, beds, bed.DefaultBedType); err != nil {
				t.Fatalf("provision: %v", err)
			}
		}
		return id
	}
	h.A = add("Alpha General", 12.97, 77.59, 0, true)
	h.B = add("Bravo Care", 12.98, 77.60, 2, true)
	h.C = add("Charlie Medical", 13.05, 77.70, 1, true)
	h.D = add("Delta District", 13.50, 78.20, 1, true)
	h.E = add("Echo Closed", 12.975, 77.595, 3, false)
	h.F = add("Foxtrot Regional", 14.50, 79.50, 0, true)

	dir := hospital.NewDirectory(hr, 0)
	h.bedSvc = bed.NewService(h.beds, h.pub, zerolog.Nop())
	h.transfers = transfer.NewService(transfer.NewMemoryRepo(), dir, nil, h.pub, nil, zerolog.Nop())
	h.sched = NewScheduler(time.Second, zerolog.Nop())

	opts = append([]Option{WithClock(h.clock.Now), WithNotifier(h.notifier)}, opts...)
	h.svc = NewService(h.repo, db.NopTxRunner{}, dir, h.bedSvc, h.transfers, h.sched, h.pub, zerolog.Nop(), opts...)
	h.transfers.SetReferralSource(h.svc)
	h.bedSvc.SetTransferStatus(h.transfers)
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) create(t *testing.T, from, to uuid.UUID) *Referral {
	t.Helper()
	age := 67
	r, err := h.svc.Create(context.Background(), CreateRequest{
		RequestingHospitalID: from,
		TargetHospitalID:     to,
		Patient:              Patient{Age: &age, Gender: "M", PrimaryDiagnosis: "Sepsis", Reason: "ICU bed needed"},
		Urgency:              "High",
	})
	if err != nil {
		t.Fatalf("create referral: %v", err)
	}
	return r
}

func (h *harness) respond(referralID, acting uuid.UUID, decision string) (*Response, error) {
	return h.svc.Respond(context.Background(), RespondRequest{
		ReferralID:       referralID,
		ActingHospitalID: acting,
		ResponderName:    "Dr. Ibe",
		Decision:         decision,
		Transfer:         transfer.Details{PatientName: "John Doe", ContactPhone: "555-0199"},
	})
}

func (h *harness) status(t *testing.T, id uuid.UUID) string {
	t.Helper()
	r, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get referral: %v", err)
	}
	return r.Status
}

func (h *harness) available(t *testing.T, hospitalID uuid.UUID) int {
	t.Helper()
	st, _ := h.beds.Stats(context.Background(), hospitalID)
	if st.Available > st.Total {
		t.Fatalf("available %d exceeds total %d", st.Available, st.Total)
	}
	return st.Available
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
