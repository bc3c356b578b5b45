package referral

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending   = "Pending"
	StatusAccepted  = "Accepted"
	StatusRejected  = "Rejected"
	StatusEscalated = "Escalated"
)

const (
	UrgencyHigh   = "High"
	UrgencyMedium = "Medium"
	UrgencyLow    = "Low"
)

const (
	DecisionAccept      = "accept"
	DecisionReject      = "reject"
	DecisionRequestInfo = "request_info"
)

const (
	DirectionSent     = "Sent"
	DirectionReceived = "Received"
)

// Patient holds the clinical descriptors carried along a referral chain.
type Patient struct {
	Age                 *int   `db:"patient_age" json:"patient_age,omitempty"`
	Gender              string `db:"patient_gender" json:"patient_gender,omitempty"`
	PrimaryDiagnosis    string `db:"primary_diagnosis" json:"primary_diagnosis"`
	CurrentTreatment    string `db:"current_treatment" json:"current_treatment,omitempty"`
	Reason              string `db:"reason" json:"reason,omitempty"`
	SpecialRequirements string `db:"special_requirements" json:"special_requirements,omitempty"`
}

// Referral maps to the referral_requests table. Every referral in an
// escalation chain shares the chain id of the first one.
type Referral struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ChainID              uuid.UUID  `db:"chain_id" json:"chain_id"`
	EscalatedFrom        *uuid.UUID `db:"escalated_from" json:"escalated_from,omitempty"`
	RequestingHospitalID uuid.UUID  `db:"requesting_hospital_id" json:"requesting_hospital_id"`
	TargetHospitalID     uuid.UUID  `db:"target_hospital_id" json:"target_hospital_id"`
	Patient
	Urgency     string     `db:"urgency" json:"urgency"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeadlineAt  time.Time  `db:"deadline_at" json:"deadline_at"`
	RespondedAt *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	EscalatedAt *time.Time `db:"escalated_at" json:"escalated_at,omitempty"`
}

func (r *Referral) IsPending() bool { return r.Status == StatusPending }

// Timeout is the escalation window the referral was created with.
func (r *Referral) Timeout() time.Duration { return r.DeadlineAt.Sub(r.CreatedAt) }

// Response maps to referral_responses. Rows are never updated.
type Response struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	ReferralID           uuid.UUID `db:"referral_id" json:"referral_id"`
	RespondingHospitalID uuid.UUID `db:"responding_hospital_id" json:"responding_hospital_id"`
	ResponseType         string    `db:"response_type" json:"response_type"`
	Message              string    `db:"message" json:"message,omitempty"`
	ResponderName        string    `db:"responder_name" json:"responder_name,omitempty"`
	AvailableBeds        int       `db:"available_beds" json:"available_beds"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// NormalizeUrgency maps case-insensitive input onto High/Medium/Low, with
// an empty value meaning Medium.
func NormalizeUrgency(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return UrgencyMedium, true
	case "high":
		return UrgencyHigh, true
	case "medium":
		return UrgencyMedium, true
	case "low":
		return UrgencyLow, true
	}
	return "", false
}

func NormalizeDecision(s string) (string, bool) {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case DecisionAccept, DecisionReject, DecisionRequestInfo:
		return d, true
	}
	return "", false
}
