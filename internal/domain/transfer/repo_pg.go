package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referralhub/internal/platform/db"
)

const uniqueViolation = "23505"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const transferCols = `id, referral_id, from_hospital_id, to_hospital_id, bed_id,
	patient_name, patient_age, patient_gender, primary_diagnosis, urgency, special_requirements,
	status, initiated_at, en_route_at, admitted_at,
	contact_name, contact_phone, contact_email, transfer_notes, arrival_notes`

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var t Transfer
	err := row.Scan(&t.ID, &t.ReferralID, &t.FromHospitalID, &t.ToHospitalID, &t.BedID,
		&t.PatientName, &t.PatientAge, &t.PatientGender, &t.PrimaryDiagnosis, &t.Urgency, &t.SpecialRequirements,
		&t.Status, &t.InitiatedAt, &t.EnRouteAt, &t.AdmittedAt,
		&t.ContactName, &t.ContactPhone, &t.ContactEmail, &t.TransferNotes, &t.ArrivalNotes)
	return &t, err
}

func (r *repoPG) Create(ctx context.Context, t *Transfer) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_transfers (`+transferCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.ReferralID, t.FromHospitalID, t.ToHospitalID, t.BedID,
		t.PatientName, t.PatientAge, t.PatientGender, t.PrimaryDiagnosis, t.Urgency, t.SpecialRequirements,
		t.Status, t.InitiatedAt, t.EnRouteAt, t.AdmittedAt,
		t.ContactName, t.ContactPhone, t.ContactEmail, t.TransferNotes, t.ArrivalNotes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrTransferAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (r *repoPG) get(ctx context.Context, where string, arg any) (*Transfer, error) {
	t, err := scanTransfer(r.conn(ctx).QueryRow(ctx, `SELECT `+transferCols+` FROM patient_transfers WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return r.get(ctx, `id = $1`, id)
}

func (r *repoPG) GetByReferral(ctx context.Context, referralID uuid.UUID) (*Transfer, error) {
	return r.get(ctx, `referral_id = $1`, referralID)
}

func (r *repoPG) MarkAdmitted(ctx context.Context, id uuid.UUID, at time.Time, notes string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_transfers SET status = $2, admitted_at = $3, arrival_notes = $4
		WHERE id = $1 AND status = $5`, id, StatusAdmitted, at, notes, StatusEnRoute)
	if err != nil {
		return false, fmt.Errorf("admit transfer %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListForHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Transfer, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM patient_transfers WHERE from_hospital_id = $1 OR to_hospital_id = $1`,
		hospitalID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transfers: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+transferCols+` FROM patient_transfers
		WHERE from_hospital_id = $1 OR to_hospital_id = $1
		ORDER BY initiated_at DESC
		LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()
	var items []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
