package gateway

import (
	"context"
	"time"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
)

// CustomerParams identifies a customer to upsert in the gateway. Lookup is
// by email; the adapter never creates a second gateway customer for the same
// email.
type CustomerParams struct {
	Email   string
	Name    string
	Phone   string
	Address string
}

// InvoiceParams describes one external invoice to create. Metadata must
// round-trip through the gateway so webhook events can be mapped back to
// (project, milestone) without a lookup table.
type InvoiceParams struct {
	CustomerID  string
	LineItems   []domain.LineItem
	DueDate     *time.Time
	Description string
	ProjectID   string
	MilestoneID string
}

// Invoice is the gateway-side view of an invoice surfaced to the core.
type Invoice struct {
	ID              string
	Status          InvoiceStatus
	AmountDue       int64
	AmountPaid      int64
	AmountRemaining int64
	HostedURL       string
	DueDate         *time.Time
	CreatedAt       time.Time
}

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// IntentParams describes a direct (non-invoice) charge.
type IntentParams struct {
	Amount      int64
	Currency    string
	CustomerID  string
	ProjectID   string
	MilestoneID string
}

// PaymentIntent is the gateway-side view of a direct charge.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
}

// PaymentIntentSucceeded is the gateway status for a settled intent.
const PaymentIntentSucceeded = "succeeded"

// Gateway wraps the external payment processor. Implementations hold no
// business state; every method is a request/response mapping.
type Gateway interface {
	UpsertCustomer(ctx context.Context, p CustomerParams) (string, error)
	CreateInvoice(ctx context.Context, p InvoiceParams) (*Invoice, error)
	SendInvoice(ctx context.Context, invoiceID string) error
	VoidInvoice(ctx context.Context, invoiceID string) error
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	CreatePaymentIntent(ctx context.Context, p IntentParams) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
}
