package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referralhub/internal/domain/hospital"
	"github.com/ehr/referralhub/internal/platform/notification"
)

const EventTransferStatusUpdate = "transfer_status_update"

type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

type HospitalLookup interface {
	GetHospital(ctx context.Context, id uuid.UUID) (*hospital.Hospital, error)
}

// ReferralSource resolves an accepted referral into the fields a transfer
// copies. It returns ErrReferralNotAccepted for unknown or non-accepted
// referrals.
type ReferralSource interface {
	AcceptedOrigin(ctx context.Context, referralID uuid.UUID) (*Origin, error)
}

// Notifier tells the referring hospital about an admission.
type Notifier interface {
	Notify(ctx context.Context, recipient uuid.UUID, templateID string, data map[string]string) (*notification.Notification, error)
}

// StatusEvent is the transfer_status_update payload.
type StatusEvent struct {
	TransferID       uuid.UUID  `json:"transfer_id"`
	ReferralID       uuid.UUID  `json:"referral_id"`
	Status           string     `json:"status"`
	FromHospitalID   uuid.UUID  `json:"from_hospital_id"`
	ToHospitalID     uuid.UUID  `json:"to_hospital_id"`
	FromHospital     string     `json:"from_hospital"`
	ToHospital       string     `json:"to_hospital"`
	PatientName      string     `json:"patient_name"`
	PatientAge       *int       `json:"patient_age,omitempty"`
	PatientGender    string     `json:"patient_gender,omitempty"`
	PrimaryDiagnosis string     `json:"primary_diagnosis,omitempty"`
	Urgency          string     `json:"urgency"`
	EnRouteAt        time.Time  `json:"en_route_at"`
	AdmittedAt       *time.Time `json:"admitted_at,omitempty"`
	ArrivalNotes     string     `json:"arrival_notes,omitempty"`
}

type Service struct {
	repo      Repository
	hospitals HospitalLookup
	referrals ReferralSource
	pub       Publisher
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, hospitals HospitalLookup, referrals ReferralSource, pub Publisher, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		hospitals: hospitals,
		referrals: referrals,
		pub:       pub,
		notifier:  notifier,
		logger:    logger.With().Str("component", "transfers").Logger(),
		now:       time.Now,
	}
}

// SetReferralSource wires the referral lookup after construction; the
// referral service itself depends on this one.
func (s *Service) SetReferralSource(src ReferralSource) { s.referrals = src }

// Create records an En Route transfer for an accepted referral. It does not
// publish, so it can run inside the acceptance transaction.
func (s *Service) Create(ctx context.Context, o Origin, d Details) (*Transfer, error) {
	now := s.now().UTC()
	name := strings.TrimSpace(d.PatientName)
	if name == "" {
		name = DefaultPatientName
	}
	t := &Transfer{
		ReferralID:          o.ReferralID,
		FromHospitalID:      o.FromHospitalID,
		ToHospitalID:        o.ToHospitalID,
		BedID:               o.BedID,
		PatientName:         name,
		PatientAge:          o.PatientAge,
		PatientGender:       o.PatientGender,
		PrimaryDiagnosis:    o.PrimaryDiagnosis,
		Urgency:             o.Urgency,
		SpecialRequirements: o.SpecialRequirements,
		Status:              StatusEnRoute,
		InitiatedAt:         now,
		EnRouteAt:           now,
		ContactName:         d.ContactName,
		ContactPhone:        d.ContactPhone,
		ContactEmail:        d.ContactEmail,
		TransferNotes:       d.TransferNotes,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateForReferral is the explicit API path: the referral must be Accepted
// and the caller one of its two hospitals. Other callers see the same
// ErrReferralNotAccepted as for an unknown referral.
func (s *Service) CreateForReferral(ctx context.Context, referralID, actingHospital uuid.UUID, d Details) (*Transfer, error) {
	if s.referrals == nil {
		return nil, ErrReferralNotAccepted
	}
	o, err := s.referrals.AcceptedOrigin(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if actingHospital != o.FromHospitalID && actingHospital != o.ToHospitalID {
		return nil, ErrReferralNotAccepted
	}
	if _, err := s.repo.GetByReferral(ctx, referralID); err == nil {
		return nil, ErrTransferAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	t, err := s.Create(ctx, *o, d)
	if err != nil {
		return nil, err
	}
	s.PublishStatus(ctx, t)
	return t, nil
}

// Advance admits the patient at the receiving hospital. The reserved bed
// stays occupied and now represents the admission.
func (s *Service) Advance(ctx context.Context, transferID, actingHospital uuid.UUID, arrivalNotes string) (*Transfer, error) {
	t, err := s.forParty(ctx, transferID, actingHospital)
	if err != nil {
		return nil, err
	}
	if t.ToHospitalID != actingHospital {
		return nil, ErrUnauthorized
	}
	if t.Status == StatusAdmitted {
		return nil, ErrAlreadyAdmitted
	}

	ok, err := s.repo.MarkAdmitted(ctx, transferID, s.now().UTC(), strings.TrimSpace(arrivalNotes))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyAdmitted
	}

	t, err = s.repo.GetByID(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("reload transfer: %w", err)
	}
	s.PublishStatus(ctx, t)
	s.notifyAdmission(ctx, t)
	return t, nil
}

// Get returns the transfer as seen by actingHospital, which must be one of
// its two ends.
func (s *Service) Get(ctx context.Context, id, actingHospital uuid.UUID) (*View, error) {
	t, err := s.forParty(ctx, id, actingHospital)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, t, actingHospital), nil
}

// forParty hides transfers of other hospitals behind ErrNotFound.
func (s *Service) forParty(ctx context.Context, id, acting uuid.UUID) (*Transfer, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.FromHospitalID != acting && t.ToHospitalID != acting {
		return nil, ErrNotFound
	}
	return t, nil
}

// InTransit reports whether the transfer still holds a reservation rather
// than an admission. Unknown transfers are not in transit.
func (s *Service) InTransit(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status == StatusEnRoute, nil
}

func (s *Service) GetByReferral(ctx context.Context, referralID uuid.UUID) (*Transfer, error) {
	return s.repo.GetByReferral(ctx, referralID)
}

// ListActive returns transfers sent or received by hospitalID, newest first.
func (s *Service) ListActive(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*View, int, error) {
	items, total, err := s.repo.ListForHospital(ctx, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*View, 0, len(items))
	for _, t := range items {
		views = append(views, s.view(ctx, t, hospitalID))
	}
	return views, total, nil
}

func (s *Service) hospitalName(ctx context.Context, id uuid.UUID) string {
	if s.hospitals == nil {
		return ""
	}
	h, err := s.hospitals.GetHospital(ctx, id)
	if err != nil {
		return ""
	}
	return h.Name
}

func (s *Service) view(ctx context.Context, t *Transfer, viewer uuid.UUID) *View {
	return &View{
		Transfer:         t,
		FromHospital:     s.hospitalName(ctx, t.FromHospitalID),
		ToHospital:       s.hospitalName(ctx, t.ToHospitalID),
		IsSending:        t.FromHospitalID == viewer,
		IsReceiving:      t.ToHospitalID == viewer,
		TimeSinceEnRoute: formatDuration(t.TimeSinceEnRoute(s.now())),
		TransferDuration: formatDuration(t.Duration()),
	}
}

// PublishStatus broadcasts transfer_status_update. Broadcast failures are
// logged only.
func (s *Service) PublishStatus(ctx context.Context, t *Transfer) {
	if s.pub == nil {
		return
	}
	ev := StatusEvent{
		TransferID:       t.ID,
		ReferralID:       t.ReferralID,
		Status:           t.Status,
		FromHospitalID:   t.FromHospitalID,
		ToHospitalID:     t.ToHospitalID,
		FromHospital:     s.hospitalName(ctx, t.FromHospitalID),
		ToHospital:       s.hospitalName(ctx, t.ToHospitalID),
		PatientName:      t.PatientName,
		PatientAge:       t.PatientAge,
		PatientGender:    t.PatientGender,
		PrimaryDiagnosis: t.PrimaryDiagnosis,
		Urgency:          t.Urgency,
		EnRouteAt:        t.EnRouteAt,
		AdmittedAt:       t.AdmittedAt,
		ArrivalNotes:     t.ArrivalNotes,
	}
	if err := s.pub.Publish(ctx, EventTransferStatusUpdate, ev); err != nil {
		s.logger.Warn().Err(err).Str("transfer_id", t.ID.String()).Msg("publish transfer status")
	}
}

func (s *Service) notifyAdmission(ctx context.Context, t *Transfer) {
	if s.notifier == nil {
		return
	}
	admitted := ""
	if t.AdmittedAt != nil {
		admitted = t.AdmittedAt.Format("2006-01-02 15:04")
	}
	_, err := s.notifier.Notify(ctx, t.FromHospitalID, notification.TemplatePatientAdmitted, map[string]string{
		"patient_name":  t.PatientName,
		"from_hospital": s.hospitalName(ctx, t.FromHospitalID),
		"to_hospital":   s.hospitalName(ctx, t.ToHospitalID),
		"admitted_at":   admitted,
		"arrival_notes": t.ArrivalNotes,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("transfer_id", t.ID.String()).Msg("admission notification failed")
	}
}
