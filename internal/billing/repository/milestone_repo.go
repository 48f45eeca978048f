package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
)

// MilestoneRepo persists milestones. Every status transition is a
// conditional update keyed on the expected prior status, so concurrent
// operations cannot overwrite each other; the caller learns from the
// rows-affected result whether its transition won.
type MilestoneRepo struct {
	db *pgxpool.Pool
}

func NewMilestoneRepo(db *pgxpool.Pool) *MilestoneRepo {
	return &MilestoneRepo{db: db}
}

const milestoneColumns = `
id, project_id, title, description, amount, due_date, line_items,
status, completed_date, invoice_id, payment_ref, paid_at, created_at, updated_at
`

func (r *MilestoneRepo) Create(ctx context.Context, m *domain.Milestone) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = domain.StatusPending
	}

	items, err := json.Marshal(m.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}

	const q = `
insert into milestones (id, project_id, title, description, amount, due_date, line_items, status)
values ($1, $2, $3, $4, $5, $6, $7, $8)
returning created_at, updated_at;
`
	return r.db.QueryRow(ctx, q,
		m.ID, m.ProjectID, m.Title, m.Description, m.Amount, m.DueDate, items, m.Status,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *MilestoneRepo) Get(ctx context.Context, projectID, milestoneID string) (*domain.Milestone, error) {
	const q = `
select ` + milestoneColumns + `
from milestones
where project_id = $1 and id = $2;
`
	m, err := scanMilestone(r.db.QueryRow(ctx, q, projectID, milestoneID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMilestoneNotFound
	}
	return m, err
}

func (r *MilestoneRepo) ListByProject(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	const q = `
select ` + milestoneColumns + `
from milestones
where project_id = $1
order by created_at asc;
`
	return r.list(ctx, q, projectID)
}

func (r *MilestoneRepo) ListByStatus(ctx context.Context, projectID string, status domain.MilestoneStatus) ([]domain.Milestone, error) {
	const q = `
select ` + milestoneColumns + `
from milestones
where project_id = $1 and status = $2
order by created_at asc;
`
	return r.list(ctx, q, projectID, status)
}

// MarkCompleted stamps the completion time for a milestone that has not
// been billed yet. No-op when the milestone is already completed or beyond.
func (r *MilestoneRepo) MarkCompleted(ctx context.Context, projectID, milestoneID string, at time.Time) (bool, error) {
	const q = `
update milestones
set status = 'completed', completed_date = $3, updated_at = now()
where project_id = $1 and id = $2 and status in ('pending', 'in_progress');
`
	ct, err := r.db.Exec(ctx, q, projectID, milestoneID, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkInvoiced attaches the external invoice reference and moves the
// milestone to invoiced. Guarded so a milestone that already carries an
// invoice can never be billed a second time.
func (r *MilestoneRepo) MarkInvoiced(ctx context.Context, projectID, milestoneID, invoiceID string) (bool, error) {
	const q = `
update milestones
set status = 'invoiced', invoice_id = $3, updated_at = now()
where project_id = $1 and id = $2
  and status in ('pending', 'in_progress', 'completed')
  and invoice_id = '';
`
	ct, err := r.db.Exec(ctx, q, projectID, milestoneID, invoiceID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkPaid applies the single invoiced -> paid transition. Returns false
// when another writer (webhook or poller) already applied it.
func (r *MilestoneRepo) MarkPaid(ctx context.Context, projectID, milestoneID, paymentRef string, at time.Time) (bool, error) {
	const q = `
update milestones
set status = 'paid', payment_ref = $3, paid_at = $4, updated_at = now()
where project_id = $1 and id = $2 and status = 'invoiced';
`
	ct, err := r.db.Exec(ctx, q, projectID, milestoneID, paymentRef, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ResetToPending re-opens a voided milestone so the work can be re-billed.
// Only valid from invoiced; a paid milestone is never reset.
func (r *MilestoneRepo) ResetToPending(ctx context.Context, projectID, milestoneID string) (bool, error) {
	const q = `
update milestones
set status = 'pending', invoice_id = '', completed_date = null, updated_at = now()
where project_id = $1 and id = $2 and status = 'invoiced';
`
	ct, err := r.db.Exec(ctx, q, projectID, milestoneID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (r *MilestoneRepo) list(ctx context.Context, q string, args ...any) ([]domain.Milestone, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Milestone, 0, 16)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row rowScanner) (*domain.Milestone, error) {
	var (
		m     domain.Milestone
		items []byte
	)
	err := row.Scan(
		&m.ID, &m.ProjectID, &m.Title, &m.Description, &m.Amount, &m.DueDate, &items,
		&m.Status, &m.CompletedDate, &m.InvoiceID, &m.PaymentRef, &m.PaidAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &m.LineItems); err != nil {
			return nil, fmt.Errorf("unmarshal line items: %w", err)
		}
	}
	return &m, nil
}
