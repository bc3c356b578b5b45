package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referralhub/internal/domain/bed"
	"github.com/ehr/referralhub/internal/domain/hospital"
	"github.com/ehr/referralhub/internal/domain/transfer"
	"github.com/ehr/referralhub/internal/platform/db"
	"github.com/ehr/referralhub/internal/platform/notification"
)

const (
	EventNewReferral       = "new_referral"
	EventReferralResponse  = "referral_response"
	EventReferralEscalated = "referral_escalated"
)

type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Beds is the part of the bed service an acceptance needs.
type Beds interface {
	Reserve(ctx context.Context, hospitalID uuid.UUID) (*bed.Bed, error)
	ReleaseQuiet(ctx context.Context, bedID uuid.UUID) error
	AttachTransfer(ctx context.Context, bedID, transferID uuid.UUID) error
	PublishStats(ctx context.Context, hospitalID uuid.UUID)
}

type Transfers interface {
	Create(ctx context.Context, o transfer.Origin, d transfer.Details) (*transfer.Transfer, error)
	PublishStatus(ctx context.Context, t *transfer.Transfer)
}

type Notifier interface {
	Notify(ctx context.Context, recipient uuid.UUID, templateID string, data map[string]string) (*notification.Notification, error)
}

type CreateRequest struct {
	RequestingHospitalID uuid.UUID
	TargetHospitalID     uuid.UUID
	Patient              Patient
	Urgency              string
}

type RespondRequest struct {
	ReferralID       uuid.UUID
	ActingHospitalID uuid.UUID
	ResponderName    string
	Decision         string
	Message          string
	// Transfer details recorded with the transfer an acceptance creates.
	Transfer transfer.Details
}

// Option configures a Service.
type Option func(*Service)

// WithFallbackHospital sets the hospital used when no ranked escalation
// candidate exists.
func WithFallbackHospital(id uuid.UUID) Option {
	return func(s *Service) { s.fallback = id }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the referral state machine. Status only ever leaves Pending
// through Repository.Transition.
type Service struct {
	repo      Repository
	tx        db.TxRunner
	dir       *hospital.Directory
	beds      Beds
	transfers Transfers
	sched     *Scheduler
	pub       Publisher
	notifier  Notifier
	fallback  uuid.UUID
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, dir *hospital.Directory, beds Beds, transfers Transfers,
	sched *Scheduler, pub Publisher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		tx:        tx,
		dir:       dir,
		beds:      beds,
		transfers: transfers,
		sched:     sched,
		pub:       pub,
		logger:    logger.With().Str("component", "referrals").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	sched.now = s.now
	sched.SetHandler(s.escalateExpired)
	return s
}

// Create opens a Pending referral and arms its escalation timer. Target
// capacity is checked but not reserved; Accept settles any race.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Referral, error) {
	urgency, ok := NormalizeUrgency(req.Urgency)
	if !ok {
		return nil, ErrInvalidUrgency
	}
	if req.TargetHospitalID == req.RequestingHospitalID {
		return nil, fmt.Errorf("%w: cannot refer to own hospital", ErrInvalidTarget)
	}
	if _, err := s.dir.GetHospital(ctx, req.RequestingHospitalID); err != nil {
		if errors.Is(err, hospital.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown requesting hospital", ErrInvalidTarget)
		}
		return nil, err
	}
	target, err := s.dir.GetHospital(ctx, req.TargetHospitalID)
	if err != nil {
		if errors.Is(err, hospital.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown hospital", ErrInvalidTarget)
		}
		return nil, err
	}
	if !target.Active {
		return nil, fmt.Errorf("%w: hospital is not active", ErrInvalidTarget)
	}
	if target.AvailableBeds <= 0 {
		return nil, ErrNoCapacity
	}

	r := s.newPending(req.RequestingHospitalID, target, req.Patient, urgency)
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	s.sched.Arm(r.ID, r.DeadlineAt)
	ev := s.referralEvent(ctx, r)
	s.publish(ctx, EventNewReferral, ev)
	s.notifyNew(ctx, ev)
	s.logger.Info().
		Str("referral_id", r.ID.String()).
		Str("requesting_hospital_id", r.RequestingHospitalID.String()).
		Str("target_hospital_id", r.TargetHospitalID.String()).
		Str("urgency", r.Urgency).
		Msg("referral created")
	return r, nil
}

func (s *Service) newPending(requester uuid.UUID, target *hospital.Hospital, p Patient, urgency string) *Referral {
	now := s.now().UTC()
	id := uuid.New()
	return &Referral{
		ID:                   id,
		ChainID:              id,
		RequestingHospitalID: requester,
		TargetHospitalID:     target.ID,
		Patient:              p,
		Urgency:              urgency,
		Status:               StatusPending,
		CreatedAt:            now,
		DeadlineAt:           now.Add(s.dir.DurationFor(target)),
	}
}

// Respond applies the target hospital's decision.
func (s *Service) Respond(ctx context.Context, req RespondRequest) (*Response, error) {
	decision, ok := NormalizeDecision(req.Decision)
	if !ok {
		return nil, ErrInvalidDecision
	}
	r, err := s.forParty(ctx, req.ReferralID, req.ActingHospitalID)
	if err != nil {
		return nil, err
	}
	if r.TargetHospitalID != req.ActingHospitalID {
		return nil, ErrUnauthorized
	}
	if !r.IsPending() {
		return nil, ErrAlreadyProcessed
	}

	switch decision {
	case DecisionAccept:
		return s.accept(ctx, r, req)
	case DecisionReject:
		return s.reject(ctx, r, req)
	default:
		return s.requestInfo(ctx, r, req)
	}
}

func (s *Service) newResponse(r *Referral, req RespondRequest, decision string, at time.Time) *Response {
	return &Response{
		ReferralID:           r.ID,
		RespondingHospitalID: req.ActingHospitalID,
		ResponseType:         decision,
		Message:              strings.TrimSpace(req.Message),
		ResponderName:        req.ResponderName,
		CreatedAt:            at,
	}
}

// accept reserves a bed, flips the status and opens the transfer in one
// transaction. A failed reservation leaves the referral Pending with its
// timer and original deadline untouched.
func (s *Service) accept(ctx context.Context, r *Referral, req RespondRequest) (*Response, error) {
	now := s.now().UTC()
	var (
		resp *Response
		tr   *transfer.Transfer
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.beds.Reserve(ctx, r.TargetHospitalID)
		if err != nil {
			return err
		}
		ok, err := s.repo.Transition(ctx, r.ID, StatusAccepted, now)
		if err != nil || !ok {
			if relErr := s.beds.ReleaseQuiet(ctx, b.ID); relErr != nil {
				s.logger.Error().Err(relErr).Str("bed_id", b.ID.String()).Msg("release bed after lost acceptance")
			}
			if err != nil {
				return err
			}
			return ErrAlreadyProcessed
		}

		resp = s.newResponse(r, req, DecisionAccept, now)
		if h, err := s.dir.GetHospital(ctx, r.TargetHospitalID); err == nil {
			resp.AvailableBeds = h.AvailableBeds
		}
		if err := s.repo.AddResponse(ctx, resp); err != nil {
			return err
		}

		bedID := b.ID
		tr, err = s.transfers.Create(ctx, transfer.Origin{
			ReferralID:          r.ID,
			FromHospitalID:      r.RequestingHospitalID,
			ToHospitalID:        r.TargetHospitalID,
			BedID:               &bedID,
			PatientAge:          r.Age,
			PatientGender:       r.Gender,
			PrimaryDiagnosis:    r.PrimaryDiagnosis,
			Urgency:             r.Urgency,
			SpecialRequirements: r.SpecialRequirements,
		}, req.Transfer)
		if err != nil {
			return fmt.Errorf("create transfer: %w", err)
		}
		return s.beds.AttachTransfer(ctx, b.ID, tr.ID)
	})
	if err != nil {
		return nil, err
	}

	s.sched.Disarm(r.ID)
	r.Status = StatusAccepted
	r.RespondedAt = &now
	s.publish(ctx, EventReferralResponse, s.responseEvent(ctx, r, resp, &tr.ID))
	s.transfers.PublishStatus(ctx, tr)
	s.beds.PublishStats(ctx, r.TargetHospitalID)
	s.logger.Info().
		Str("referral_id", r.ID.String()).
		Str("transfer_id", tr.ID.String()).
		Msg("referral accepted")
	return resp, nil
}

func (s *Service) reject(ctx context.Context, r *Referral, req RespondRequest) (*Response, error) {
	now := s.now().UTC()
	resp := s.newResponse(r, req, DecisionReject, now)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.Transition(ctx, r.ID, StatusRejected, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyProcessed
		}
		if h, err := s.dir.GetHospital(ctx, r.TargetHospitalID); err == nil {
			resp.AvailableBeds = h.AvailableBeds
		}
		return s.repo.AddResponse(ctx, resp)
	})
	if err != nil {
		return nil, err
	}

	s.sched.Disarm(r.ID)
	r.Status = StatusRejected
	r.RespondedAt = &now
	s.publish(ctx, EventReferralResponse, s.responseEvent(ctx, r, resp, nil))
	s.logger.Info().Str("referral_id", r.ID.String()).Msg("referral rejected")
	return resp, nil
}

// requestInfo records a question from the target without leaving Pending.
// The escalation deadline keeps running.
func (s *Service) requestInfo(ctx context.Context, r *Referral, req RespondRequest) (*Response, error) {
	resp := s.newResponse(r, req, DecisionRequestInfo, s.now().UTC())
	if h, err := s.dir.GetHospital(ctx, r.TargetHospitalID); err == nil {
		resp.AvailableBeds = h.AvailableBeds
	}
	if err := s.repo.AddResponse(ctx, resp); err != nil {
		return nil, err
	}
	s.publish(ctx, EventReferralResponse, s.responseEvent(ctx, r, resp, nil))
	return resp, nil
}

// Escalate is the manual path: only the requesting hospital may escalate.
func (s *Service) Escalate(ctx context.Context, referralID, actingHospital uuid.UUID) (*Referral, error) {
	r, err := s.forParty(ctx, referralID, actingHospital)
	if err != nil {
		return nil, err
	}
	if r.RequestingHospitalID != actingHospital {
		return nil, ErrUnauthorized
	}
	return s.escalate(ctx, r)
}

// escalateExpired is the scheduler callback.
func (s *Service) escalateExpired(ctx context.Context, referralID uuid.UUID) error {
	r, err := s.repo.GetByID(ctx, referralID)
	if err != nil {
		return err
	}
	_, err = s.escalate(ctx, r)
	return err
}

func (s *Service) escalate(ctx context.Context, r *Referral) (*Referral, error) {
	if !r.IsPending() {
		return nil, ErrNotPending
	}
	target, err := s.nextTarget(ctx, r)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next := s.newPending(r.RequestingHospitalID, target, r.Patient, r.Urgency)
	next.ChainID = r.ChainID
	from := r.ID
	next.EscalatedFrom = &from

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.Transition(ctx, r.ID, StatusEscalated, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotPending
		}
		return s.repo.Create(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	s.sched.Disarm(r.ID)
	s.sched.Arm(next.ID, next.DeadlineAt)
	r.Status = StatusEscalated
	r.EscalatedAt = &now

	nev := s.referralEvent(ctx, next)
	s.publish(ctx, EventNewReferral, nev)
	s.notifyNew(ctx, nev)
	ev := s.escalationEvent(ctx, r, next)
	s.publish(ctx, EventReferralEscalated, ev)
	s.notifyEscalation(ctx, ev)

	s.logger.Info().
		Str("referral_id", r.ID.String()).
		Str("new_referral_id", next.ID.String()).
		Str("new_target_hospital_id", next.TargetHospitalID.String()).
		Msg("referral escalated")
	return next, nil
}

// nextTarget picks the nearest active hospital with a free bed that has not
// been contacted in this chain. Failing that, the configured fallback takes
// the referral as long as it is active and has not been contacted yet; it
// is the hospital of last resort and is not held to the capacity check.
func (s *Service) nextTarget(ctx context.Context, r *Referral) (*hospital.Hospital, error) {
	contacted, err := s.repo.ChainTargets(ctx, r.ChainID)
	if err != nil {
		return nil, err
	}
	exclude := map[uuid.UUID]bool{r.TargetHospitalID: true}
	for _, id := range contacted {
		exclude[id] = true
	}

	c, err := s.dir.NearestWithCapacity(ctx, r.RequestingHospitalID, exclude)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c.Hospital, nil
	}

	if s.fallback == uuid.Nil || s.fallback == r.RequestingHospitalID || exclude[s.fallback] {
		return nil, ErrNoEscalationTarget
	}
	fb, err := s.dir.GetHospital(ctx, s.fallback)
	if err != nil {
		if errors.Is(err, hospital.ErrNotFound) {
			return nil, ErrNoEscalationTarget
		}
		return nil, err
	}
	if !fb.Active {
		return nil, ErrNoEscalationTarget
	}
	return fb, nil
}

// notifyNew tells the target hospital a referral awaits its answer.
func (s *Service) notifyNew(ctx context.Context, ev ReferralEvent) {
	if s.notifier == nil {
		return
	}
	_, err := s.notifier.Notify(ctx, ev.TargetHospitalID, notification.TemplateReferralCreated, map[string]string{
		"from_hospital": ev.RequestingHospital,
		"urgency":       ev.Urgency,
		"diagnosis":     ev.PrimaryDiagnosis,
		"deadline":      ev.DeadlineAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("referral_id", ev.ReferralID.String()).Msg("new referral notification failed")
	}
}

func (s *Service) notifyEscalation(ctx context.Context, ev EscalationEvent) {
	if s.notifier == nil {
		return
	}
	_, err := s.notifier.Notify(ctx, ev.RequestingHospitalID, notification.TemplateReferralEscalated, map[string]string{
		"old_hospital": ev.FromHospital,
		"new_hospital": ev.ToHospital,
		"urgency":      ev.Urgency,
		"diagnosis":    ev.PrimaryDiagnosis,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("referral_id", ev.OldReferralID.String()).Msg("escalation notification failed")
	}
}

// Restore re-arms timers for every Pending referral after a restart.
func (s *Service) Restore(ctx context.Context) (int, error) {
	pending, err := s.repo.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return s.sched.Restore(pending), nil
}

// TimeRemaining is the server-side countdown for r.
func (s *Service) TimeRemaining(r *Referral) time.Duration {
	return s.sched.TimeRemaining(r)
}

// ListPending returns referrals awaiting hospitalID's answer, soonest
// deadline first.
func (s *Service) ListPending(ctx context.Context, hospitalID uuid.UUID) ([]*Summary, error) {
	items, err := s.repo.ListPendingForTarget(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	out := make([]*Summary, 0, len(items))
	for _, r := range items {
		out = append(out, s.summary(ctx, r, hospitalID))
	}
	return out, nil
}

// ListAll returns referrals sent or received by hospitalID, newest first.
func (s *Service) ListAll(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Summary, int, error) {
	items, total, err := s.repo.ListForHospital(ctx, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Summary, 0, len(items))
	for _, r := range items {
		out = append(out, s.summary(ctx, r, hospitalID))
	}
	return out, total, nil
}

// Status returns a referral with its responses. Only the two hospitals
// involved may read it.
func (s *Service) Status(ctx context.Context, referralID, actingHospital uuid.UUID) (*StatusView, error) {
	r, err := s.forParty(ctx, referralID, actingHospital)
	if err != nil {
		return nil, err
	}
	responses, err := s.repo.ListResponses(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if responses == nil {
		responses = []*Response{}
	}
	return &StatusView{Summary: s.summary(ctx, r, actingHospital), Responses: responses}, nil
}

// forParty loads a referral for one of its two hospitals. Any other
// hospital gets ErrNotFound, the same answer as for an unknown id.
func (s *Service) forParty(ctx context.Context, id, acting uuid.UUID) (*Referral, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.RequestingHospitalID != acting && r.TargetHospitalID != acting {
		return nil, ErrNotFound
	}
	return r, nil
}

// AcceptedOrigin lets the transfer service open a transfer for an accepted
// referral.
func (s *Service) AcceptedOrigin(ctx context.Context, referralID uuid.UUID) (*transfer.Origin, error) {
	r, err := s.repo.GetByID(ctx, referralID)
	if err != nil || r.Status != StatusAccepted {
		return nil, transfer.ErrReferralNotAccepted
	}
	return &transfer.Origin{
		ReferralID:          r.ID,
		FromHospitalID:      r.RequestingHospitalID,
		ToHospitalID:        r.TargetHospitalID,
		PatientAge:          r.Age,
		PatientGender:       r.Gender,
		PrimaryDiagnosis:    r.PrimaryDiagnosis,
		Urgency:             r.Urgency,
		SpecialRequirements: r.SpecialRequirements,
	}, nil
}

func (s *Service) publish(ctx context.Context, name string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, name, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", name).Msg("publish failed")
	}
}

func (s *Service) hospitalName(ctx context.Context, id uuid.UUID) string {
	h, err := s.dir.GetHospital(ctx, id)
	if err != nil {
		return ""
	}
	return h.Name
}
