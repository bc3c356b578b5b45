package bed

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

const bedCols = `id, hospital_id, bed_number, bed_type, is_occupied, current_transfer_id, updated_at`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.HospitalID, &b.BedNumber, &b.BedType, &b.Occupied, &b.CurrentTransferID, &b.UpdatedAt)
	return &b, err
}

// Reserve claims a bed in one statement. SKIP LOCKED lets concurrent
// reservations at the same hospital pick different rows instead of queueing
// on the first free one.
func (r *repoPG) Reserve(ctx context.Context, hospitalID uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `
		UPDATE beds SET is_occupied = true, updated_at = NOW()
		WHERE id = (
			SELECT id FROM beds
			WHERE hospital_id = $1 AND NOT is_occupied
			ORDER BY bed_number
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+bedCols, hospitalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoFreeBed
	}
	if err != nil {
		return nil, fmt.Errorf("reserve bed at %s: %w", hospitalID, err)
	}
	return b, nil
}

// Release refuses in the same statement when the bed's transfer is still
// En Route, so a concurrent accept cannot slip between check and update.
func (r *repoPG) Release(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `
		UPDATE beds b SET is_occupied = false, current_transfer_id = NULL, updated_at = NOW()
		WHERE b.id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM patient_transfers t
			WHERE t.id = b.current_transfer_id AND t.status = 'En Route'
		  )
		RETURNING `+bedCols, bedID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, bedID); getErr == nil {
			return nil, ErrBedReserved
		}
		return nil, ErrBedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("release bed %s: %w", bedID, err)
	}
	return b, nil
}

func (r *repoPG) AttachTransfer(ctx context.Context, bedID, transferID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE beds SET current_transfer_id = $2, updated_at = NOW() WHERE id = $1`, bedID, transferID)
	if err != nil {
		return fmt.Errorf("attach transfer to bed %s: %w", bedID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBedNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM beds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bed %s: %w", id, err)
	}
	return b, nil
}

func (r *repoPG) ListAvailable(ctx context.Context, hospitalID uuid.UUID) ([]*Bed, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+bedCols+` FROM beds
		WHERE hospital_id = $1 AND NOT is_occupied
		ORDER BY bed_number`, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("list available beds: %w", err)
	}
	defer rows.Close()
	var items []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *repoPG) Stats(ctx context.Context, hospitalID uuid.UUID) (*Stats, error) {
	var total, occupied int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)::int, (COUNT(*) FILTER (WHERE is_occupied))::int
		FROM beds WHERE hospital_id = $1`, hospitalID).Scan(&total, &occupied)
	if err != nil {
		return nil, fmt.Errorf("bed stats for %s: %w", hospitalID, err)
	}
	return newStats(hospitalID, total, occupied), nil
}

// Provision appends count beds numbered after the hospital's current highest
// bed number.
func (r *repoPG) Provision(ctx context.Context, hospitalID uuid.UUID, count int, bedType string) ([]*Bed, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		INSERT INTO beds (hospital_id, bed_number, bed_type)
		SELECT $1, base.n + g, $3
		FROM (SELECT COALESCE(MAX(bed_number), 0) AS n FROM beds WHERE hospital_id = $1) base,
			generate_series(1, $2::int) g
		RETURNING `+bedCols, hospitalID, count, bedType)
	if err != nil {
		return nil, fmt.Errorf("provision beds: %w", err)
	}
	defer rows.Close()
	var items []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}
