package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

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

const referralCols = `id, chain_id, escalated_from, requesting_hospital_id, target_hospital_id,
	patient_age, patient_gender, primary_diagnosis, current_treatment, reason, special_requirements,
	urgency, status, created_at, deadline_at, responded_at, escalated_at`

func scanReferral(row pgx.Row) (*Referral, error) {
	var ref Referral
	err := row.Scan(&ref.ID, &ref.ChainID, &ref.EscalatedFrom, &ref.RequestingHospitalID, &ref.TargetHospitalID,
		&ref.Age, &ref.Gender, &ref.PrimaryDiagnosis, &ref.CurrentTreatment, &ref.Reason, &ref.SpecialRequirements,
		&ref.Urgency, &ref.Status, &ref.CreatedAt, &ref.DeadlineAt, &ref.RespondedAt, &ref.EscalatedAt)
	return &ref, err
}

func collect(rows pgx.Rows) ([]*Referral, error) {
	defer rows.Close()
	var items []*Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ref)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, ref *Referral) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	if ref.ChainID == uuid.Nil {
		ref.ChainID = ref.ID
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral_requests (`+referralCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		ref.ID, ref.ChainID, ref.EscalatedFrom, ref.RequestingHospitalID, ref.TargetHospitalID,
		ref.Age, ref.Gender, ref.PrimaryDiagnosis, ref.CurrentTreatment, ref.Reason, ref.SpecialRequirements,
		ref.Urgency, ref.Status, ref.CreatedAt, ref.DeadlineAt, ref.RespondedAt, ref.EscalatedAt)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Referral, error) {
	ref, err := scanReferral(r.conn(ctx).QueryRow(ctx, `SELECT `+referralCols+` FROM referral_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get referral %s: %w", id, err)
	}
	return ref, nil
}

// Transition is the only write path for status. The WHERE clause makes it a
// compare-and-set; concurrent callers serialize on the row lock and all but
// one see zero rows affected.
func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	column := "responded_at"
	if status == StatusEscalated {
		column = "escalated_at"
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral_requests SET status = $2, `+column+` = $3
		WHERE id = $1 AND status = $4`, id, status, at, StatusPending)
	if err != nil {
		return false, fmt.Errorf("transition referral %s to %s: %w", id, status, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) AddResponse(ctx context.Context, resp *Response) error {
	resp.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral_responses (id, referral_id, responding_hospital_id, response_type,
			message, responder_name, available_beds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		resp.ID, resp.ReferralID, resp.RespondingHospitalID, resp.ResponseType,
		resp.Message, resp.ResponderName, resp.AvailableBeds, resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert referral response: %w", err)
	}
	return nil
}

func (r *repoPG) ListResponses(ctx context.Context, referralID uuid.UUID) ([]*Response, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, referral_id, responding_hospital_id, response_type, message, responder_name,
			available_beds, created_at
		FROM referral_responses WHERE referral_id = $1 ORDER BY created_at`, referralID)
	if err != nil {
		return nil, fmt.Errorf("list referral responses: %w", err)
	}
	defer rows.Close()
	var items []*Response
	for rows.Next() {
		var resp Response
		if err := rows.Scan(&resp.ID, &resp.ReferralID, &resp.RespondingHospitalID, &resp.ResponseType,
			&resp.Message, &resp.ResponderName, &resp.AvailableBeds, &resp.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &resp)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPendingForTarget(ctx context.Context, hospitalID uuid.UUID) ([]*Referral, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+referralCols+` FROM referral_requests
		WHERE target_hospital_id = $1 AND status = $2
		ORDER BY deadline_at`, hospitalID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending referrals: %w", err)
	}
	return collect(rows)
}

func (r *repoPG) ListForHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Referral, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM referral_requests
		WHERE requesting_hospital_id = $1 OR target_hospital_id = $1`, hospitalID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count referrals: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+referralCols+` FROM referral_requests
		WHERE requesting_hospital_id = $1 OR target_hospital_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list referrals: %w", err)
	}
	items, err := collect(rows)
	return items, total, err
}

func (r *repoPG) ListPending(ctx context.Context) ([]*Referral, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+referralCols+` FROM referral_requests WHERE status = $1 ORDER BY deadline_at`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending referrals: %w", err)
	}
	return collect(rows)
}

func (r *repoPG) ChainTargets(ctx context.Context, chainID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT target_hospital_id FROM referral_requests WHERE chain_id = $1`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain targets: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
