package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrInvalidTransition = errors.New("invalid milestone transition")
	// ErrAmountMismatch means the cached milestone amount disagrees with the
	// line-item total; the milestone must be fixed before it can be billed.
	ErrAmountMismatch = errors.New("milestone amount does not match line items")
)

// GatewayError wraps a payment-gateway failure with the sub-step that failed
// so callers can tell whether partial state was left behind.
type GatewayError struct {
	Step string // customer, invoice, send, void, fetch, intent
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Step, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError wraps err with the failing gateway sub-step.
func NewGatewayError(step string, err error) *GatewayError {
	return &GatewayError{Step: step, Err: err}
}

// Drift records a disagreement between local state and gateway state that
// reconciliation refuses to resolve automatically. It is surfaced for manual
// review, never silently applied.
type Drift struct {
	ProjectID     string `json:"project_id"`
	MilestoneID   string `json:"milestone_id"`
	InvoiceID     string `json:"invoice_id"`
	LocalStatus   string `json:"local_status"`
	GatewayStatus string `json:"gateway_status"`
	AmountPaid    int64  `json:"amount_paid"`
	Detail        string `json:"detail"`
}
