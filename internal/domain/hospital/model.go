package hospital

import (
	"time"

	"github.com/google/uuid"
)

// DefaultNotificationDuration applies when a hospital has no window of its
// own.
const DefaultNotificationDuration = 120 * time.Second

// Hospital maps to the hospitals table. Bed counts are derived from beds.
type Hospital struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	Level                string    `db:"level" json:"level"`
	Latitude             float64   `db:"latitude" json:"latitude"`
	Longitude            float64   `db:"longitude" json:"longitude"`
	NotificationDuration int       `db:"notification_duration" json:"notification_duration"`
	Active               bool      `db:"is_active" json:"is_active"`
	TotalBeds            int       `json:"total_beds"`
	AvailableBeds        int       `json:"available_beds"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

func (h *Hospital) HasCapacity() bool {
	return h.Active && h.AvailableBeds > 0
}

// Candidate is a hospital annotated with its distance from an origin.
type Candidate struct {
	*Hospital
	DistanceKM float64 `json:"distance_km"`
}
