package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CustomerLinkRepo maps internal customer IDs to the external gateway
// customer ID. A customer has at most one external ID; once written the
// mapping is stable.
type CustomerLinkRepo struct {
	db *pgxpool.Pool
}

func NewCustomerLinkRepo(db *pgxpool.Pool) *CustomerLinkRepo {
	return &CustomerLinkRepo{db: db}
}

// GetExternalID returns the gateway customer ID, or "" when the customer
// has not been mirrored yet.
func (r *CustomerLinkRepo) GetExternalID(ctx context.Context, customerID string) (string, error) {
	const q = `
select external_id
from customer_links
where customer_id = $1;
`
	var externalID string
	err := r.db.QueryRow(ctx, q, customerID).Scan(&externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return externalID, nil
}

// SetExternalID records the mapping. Concurrent writers race benignly: the
// first insert wins and everyone reads back the winning value.
func (r *CustomerLinkRepo) SetExternalID(ctx context.Context, customerID, externalID string) (string, error) {
	const q = `
insert into customer_links (customer_id, external_id)
values ($1, $2)
on conflict (customer_id) do nothing;
`
	if _, err := r.db.Exec(ctx, q, customerID, externalID); err != nil {
		return "", err
	}
	return r.GetExternalID(ctx, customerID)
}
