package hospital

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referralhub/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// Bed counts come from the beds table so they can never drift from it.
const hospitalSelect = `
	SELECT h.id, h.name, h.level, h.latitude, h.longitude, h.notification_duration,
		h.is_active, h.created_at,
		COUNT(b.id)::int AS total_beds,
		(COUNT(b.id) FILTER (WHERE NOT b.is_occupied))::int AS available_beds
	FROM hospitals h
	LEFT JOIN beds b ON b.hospital_id = h.id`

func scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.Name, &h.Level, &h.Latitude, &h.Longitude, &h.NotificationDuration,
		&h.Active, &h.CreatedAt, &h.TotalBeds, &h.AvailableBeds)
	return &h, err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	h, err := scanHospital(r.conn(ctx).QueryRow(ctx, hospitalSelect+` WHERE h.id = $1 GROUP BY h.id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hospital %s: %w", id, err)
	}
	return h, nil
}

func (r *repoPG) ListWithCapacity(ctx context.Context) ([]*Hospital, error) {
	rows, err := r.conn(ctx).Query(ctx, hospitalSelect+`
		WHERE h.is_active
		GROUP BY h.id
		HAVING COUNT(b.id) FILTER (WHERE NOT b.is_occupied) > 0
		ORDER BY h.name`)
	if err != nil {
		return nil, fmt.Errorf("list hospitals with capacity: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hospitals`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count hospitals: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, hospitalSelect+` GROUP BY h.id ORDER BY h.name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list hospitals: %w", err)
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

func collect(rows pgx.Rows) ([]*Hospital, error) {
	var items []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}
