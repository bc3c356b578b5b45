package bed

import (
	"time"

	"github.com/google/uuid"
)

const DefaultBedType = "ICU"

// Bed maps to the beds table. Occupied beds hold either an admitted patient
// or a reservation for an inbound transfer.
type Bed struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	HospitalID        uuid.UUID  `db:"hospital_id" json:"hospital_id"`
	BedNumber         int        `db:"bed_number" json:"bed_number"`
	BedType           string     `db:"bed_type" json:"bed_type"`
	Occupied          bool       `db:"is_occupied" json:"is_occupied"`
	CurrentTransferID *uuid.UUID `db:"current_transfer_id" json:"current_transfer_id,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Stats is the occupancy summary broadcast as bed_stats_update.
type Stats struct {
	HospitalID    uuid.UUID `json:"hospital_id"`
	Total         int       `json:"total_beds"`
	Occupied      int       `json:"occupied_beds"`
	Available     int       `json:"available_beds"`
	OccupancyRate float64   `json:"occupancy_rate"`
}

func newStats(hospitalID uuid.UUID, total, occupied int) *Stats {
	s := &Stats{HospitalID: hospitalID, Total: total, Occupied: occupied, Available: total - occupied}
	if total > 0 {
		s.OccupancyRate = float64(occupied) / float64(total) * 100
	}
	return s
}
