package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Summary is a referral as listed for one of its hospitals.
type Summary struct {
	*Referral
	RequestingHospital   string `json:"requesting_hospital"`
	TargetHospital       string `json:"target_hospital"`
	Direction            string `json:"direction"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
	TimeRemainingSeconds int    `json:"time_remaining"`
}

type StatusView struct {
	*Summary
	Responses []*Response `json:"responses"`
}

// ReferralEvent is the new_referral payload.
type ReferralEvent struct {
	ReferralID           uuid.UUID  `json:"referral_id"`
	ChainID              uuid.UUID  `json:"chain_id"`
	EscalatedFrom        *uuid.UUID `json:"escalated_from,omitempty"`
	RequestingHospitalID uuid.UUID  `json:"requesting_hospital_id"`
	RequestingHospital   string     `json:"requesting_hospital"`
	TargetHospitalID     uuid.UUID  `json:"target_hospital_id"`
	TargetHospital       string     `json:"target_hospital"`
	Patient
	Urgency              string    `json:"urgency"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	DeadlineAt           time.Time `json:"deadline_at"`
	TimeoutSeconds       int       `json:"timeout_seconds"`
	TimeRemainingSeconds int       `json:"time_remaining"`
}

// ResponseEvent is the referral_response payload.
type ResponseEvent struct {
	ReferralID           uuid.UUID  `json:"referral_id"`
	ResponseType         string     `json:"response_type"`
	Status               string     `json:"status"`
	Message              string     `json:"message,omitempty"`
	ResponderName        string     `json:"responder_name,omitempty"`
	RespondingHospitalID uuid.UUID  `json:"responding_hospital_id"`
	RespondingHospital   string     `json:"responding_hospital"`
	RequestingHospitalID uuid.UUID  `json:"requesting_hospital_id"`
	RequestingHospital   string     `json:"requesting_hospital"`
	PrimaryDiagnosis     string     `json:"primary_diagnosis"`
	Urgency              string     `json:"urgency"`
	AvailableBeds        int        `json:"available_beds"`
	TransferID           *uuid.UUID `json:"transfer_id,omitempty"`
	RespondedAt          time.Time  `json:"responded_at"`
}

// EscalationEvent is the referral_escalated payload.
type EscalationEvent struct {
	OldReferralID        uuid.UUID `json:"old_referral_id"`
	NewReferralID        uuid.UUID `json:"new_referral_id"`
	ChainID              uuid.UUID `json:"chain_id"`
	RequestingHospitalID uuid.UUID `json:"requesting_hospital_id"`
	FromHospitalID       uuid.UUID `json:"from_hospital_id"`
	FromHospital         string    `json:"from_hospital"`
	ToHospitalID         uuid.UUID `json:"to_hospital_id"`
	ToHospital           string    `json:"to_hospital"`
	PrimaryDiagnosis     string    `json:"primary_diagnosis"`
	Urgency              string    `json:"urgency"`
	EscalatedAt          time.Time `json:"escalated_at"`
	NewDeadlineAt        time.Time `json:"new_deadline_at"`
}

func seconds(d time.Duration) int { return int(d / time.Second) }

func (s *Service) summary(ctx context.Context, r *Referral, viewer uuid.UUID) *Summary {
	dir := DirectionReceived
	if r.RequestingHospitalID == viewer {
		dir = DirectionSent
	}
	return &Summary{
		Referral:             r,
		RequestingHospital:   s.hospitalName(ctx, r.RequestingHospitalID),
		TargetHospital:       s.hospitalName(ctx, r.TargetHospitalID),
		Direction:            dir,
		TimeoutSeconds:       seconds(r.Timeout()),
		TimeRemainingSeconds: seconds(s.TimeRemaining(r)),
	}
}

func (s *Service) referralEvent(ctx context.Context, r *Referral) ReferralEvent {
	return ReferralEvent{
		ReferralID:           r.ID,
		ChainID:              r.ChainID,
		EscalatedFrom:        r.EscalatedFrom,
		RequestingHospitalID: r.RequestingHospitalID,
		RequestingHospital:   s.hospitalName(ctx, r.RequestingHospitalID),
		TargetHospitalID:     r.TargetHospitalID,
		TargetHospital:       s.hospitalName(ctx, r.TargetHospitalID),
		Patient:              r.Patient,
		Urgency:              r.Urgency,
		Status:               r.Status,
		CreatedAt:            r.CreatedAt,
		DeadlineAt:           r.DeadlineAt,
		TimeoutSeconds:       seconds(r.Timeout()),
		TimeRemainingSeconds: seconds(s.TimeRemaining(r)),
	}
}

func (s *Service) responseEvent(ctx context.Context, r *Referral, resp *Response, transferID *uuid.UUID) ResponseEvent {
	return ResponseEvent{
		ReferralID:           r.ID,
		ResponseType:         resp.ResponseType,
		Status:               r.Status,
		Message:              resp.Message,
		ResponderName:        resp.ResponderName,
		RespondingHospitalID: resp.RespondingHospitalID,
		RespondingHospital:   s.hospitalName(ctx, resp.RespondingHospitalID),
		RequestingHospitalID: r.RequestingHospitalID,
		RequestingHospital:   s.hospitalName(ctx, r.RequestingHospitalID),
		PrimaryDiagnosis:     r.PrimaryDiagnosis,
		Urgency:              r.Urgency,
		AvailableBeds:        resp.AvailableBeds,
		TransferID:           transferID,
		RespondedAt:          resp.CreatedAt,
	}
}

func (s *Service) escalationEvent(ctx context.Context, old, next *Referral) EscalationEvent {
	ev := EscalationEvent{
		OldReferralID:        old.ID,
		NewReferralID:        next.ID,
		ChainID:              old.ChainID,
		RequestingHospitalID: old.RequestingHospitalID,
		FromHospitalID:       old.TargetHospitalID,
		FromHospital:         s.hospitalName(ctx, old.TargetHospitalID),
		ToHospitalID:         next.TargetHospitalID,
		ToHospital:           s.hospitalName(ctx, next.TargetHospitalID),
		PrimaryDiagnosis:     old.PrimaryDiagnosis,
		Urgency:              old.Urgency,
		NewDeadlineAt:        next.DeadlineAt,
	}
	if old.EscalatedAt != nil {
		ev.EscalatedAt = *old.EscalatedAt
	}
	return ev
}
