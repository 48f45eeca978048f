package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
)

type ProjectRepo struct {
	db *pgxpool.Pool
}

func NewProjectRepo(db *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{db: db}
}

func (r *ProjectRepo) Create(ctx context.Context, p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.ProjectPlanning
	}

	const q = `
insert into projects (id, name, customer_id, status)
values ($1, $2, $3, $4)
returning created_at, updated_at;
`
	return r.db.QueryRow(ctx, q, p.ID, p.Name, p.CustomerID, p.Status).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *ProjectRepo) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	const q = `
select id, name, customer_id, status, created_at, updated_at
from projects
where id = $1;
`
	var p domain.Project
	err := r.db.QueryRow(ctx, q, projectID).
		Scan(&p.ID, &p.Name, &p.CustomerID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListIDsWithOutstandingInvoices returns projects that have at least one
// milestone in invoiced status. Used by the reconciliation worker.
func (r *ProjectRepo) ListIDsWithOutstandingInvoices(ctx context.Context) ([]string, error) {
	const q = `
select distinct project_id
from milestones
where status = 'invoiced'
order by project_id;
`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *ProjectRepo) UpdateStatus(ctx context.Context, projectID, status string) (bool, error) {
	const q = `
update projects
set status = $2, updated_at = now()
where id = $1;
`
	ct, err := r.db.Exec(ctx, q, projectID, status)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
