package transfer

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusEnRoute  = "En Route"
	StatusAdmitted = "Admitted"
)

const DefaultPatientName = "Unknown Patient"

// Transfer maps to the patient_transfers table.
type Transfer struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ReferralID          uuid.UUID  `db:"referral_id" json:"referral_id"`
	FromHospitalID      uuid.UUID  `db:"from_hospital_id" json:"from_hospital_id"`
	ToHospitalID        uuid.UUID  `db:"to_hospital_id" json:"to_hospital_id"`
	BedID               *uuid.UUID `db:"bed_id" json:"bed_id,omitempty"`
	PatientName         string     `db:"patient_name" json:"patient_name"`
	PatientAge          *int       `db:"patient_age" json:"patient_age,omitempty"`
	PatientGender       string     `db:"patient_gender" json:"patient_gender,omitempty"`
	PrimaryDiagnosis    string     `db:"primary_diagnosis" json:"primary_diagnosis,omitempty"`
	Urgency             string     `db:"urgency" json:"urgency"`
	SpecialRequirements string     `db:"special_requirements" json:"special_requirements,omitempty"`
	Status              string     `db:"status" json:"status"`
	InitiatedAt         time.Time  `db:"initiated_at" json:"initiated_at"`
	EnRouteAt           time.Time  `db:"en_route_at" json:"en_route_at"`
	AdmittedAt          *time.Time `db:"admitted_at" json:"admitted_at,omitempty"`
	ContactName         string     `db:"contact_name" json:"contact_name,omitempty"`
	ContactPhone        string     `db:"contact_phone" json:"contact_phone,omitempty"`
	ContactEmail        string     `db:"contact_email" json:"contact_email,omitempty"`
	TransferNotes       string     `db:"transfer_notes" json:"transfer_notes,omitempty"`
	ArrivalNotes        string     `db:"arrival_notes" json:"arrival_notes,omitempty"`
}

// TimeSinceEnRoute is how long an in-flight transfer has been travelling.
// Zero once admitted.
func (t *Transfer) TimeSinceEnRoute(now time.Time) time.Duration {
	if t.Status != StatusEnRoute {
		return 0
	}
	return now.Sub(t.EnRouteAt)
}

// Duration is the en-route to admission time. Zero until admitted.
func (t *Transfer) Duration() time.Duration {
	if t.AdmittedAt == nil {
		return 0
	}
	return t.AdmittedAt.Sub(t.EnRouteAt)
}

// Origin carries what a transfer copies from its accepted referral.
type Origin struct {
	ReferralID          uuid.UUID
	FromHospitalID      uuid.UUID
	ToHospitalID        uuid.UUID
	BedID               *uuid.UUID
	PatientAge          *int
	PatientGender       string
	PrimaryDiagnosis    string
	Urgency             string
	SpecialRequirements string
}

// Details are supplied by the people arranging the move.
type Details struct {
	PatientName   string `json:"patient_name"`
	ContactName   string `json:"contact_name"`
	ContactPhone  string `json:"contact_phone"`
	ContactEmail  string `json:"contact_email"`
	TransferNotes string `json:"transfer_notes"`
}

// View is a transfer as seen by one of its two hospitals.
type View struct {
	*Transfer
	FromHospital     string `json:"from_hospital"`
	ToHospital       string `json:"to_hospital"`
	IsSending        bool   `json:"is_sending"`
	IsReceiving      bool   `json:"is_receiving"`
	TimeSinceEnRoute string `json:"time_since_en_route,omitempty"`
	TransferDuration string `json:"transfer_duration,omitempty"`
}

// formatDuration renders whole seconds, e.g. "1h2m3s".
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Truncate(time.Second).String()
}
