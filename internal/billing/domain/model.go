package domain

import "time"

// ProjectStatus constants
const (
	ProjectPlanning   = "planning"
	ProjectInProgress = "in_progress"
	ProjectCompleted  = "completed"
)

// Project is a unit of contracted work owning a set of milestones.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CustomerID string    `json:"customer_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MilestoneStatus is the lifecycle state of a billable milestone.
type MilestoneStatus string

const (
	StatusPending    MilestoneStatus = "pending"
	StatusInProgress MilestoneStatus = "in_progress"
	StatusCompleted  MilestoneStatus = "completed"
	StatusInvoiced   MilestoneStatus = "invoiced"
	StatusPaid       MilestoneStatus = "paid"
)

// ValidStatus reports whether s is a known milestone status.
func ValidStatus(s MilestoneStatus) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusInvoiced, StatusPaid:
		return true
	}
	return false
}

// LineItem is one auditable billing line on a milestone.
// UnitPrice is in minor currency units (cents).
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Category    string `json:"category"`
}

// Total returns quantity x unit price for this line.
func (li LineItem) Total() int64 {
	return li.Quantity * li.UnitPrice
}

// Milestone is a billable unit of work. Amount is a derived cache of the
// line-item total and is validated against it before any invoice is created.
// Milestones are never deleted; financial history stays auditable.
type Milestone struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Amount        int64           `json:"amount"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	LineItems     []LineItem      `json:"line_items"`
	Status        MilestoneStatus `json:"status"`
	CompletedDate *time.Time      `json:"completed_date,omitempty"`
	// InvoiceID references the external invoice this milestone was billed
	// under. Empty until the milestone reaches invoiced.
	InvoiceID string `json:"invoice_id,omitempty"`
	// PaymentRef is the external payment reference that settled the invoice.
	PaymentRef string     `json:"payment_ref,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LineItemTotal sums quantity x unit price across all line items.
func (m *Milestone) LineItemTotal() int64 {
	var total int64
	for _, li := range m.LineItems {
		total += li.Total()
	}
	return total
}

// Billable reports whether a new invoice may be created for the milestone.
// A milestone with an open external invoice is never billed again.
func (m *Milestone) Billable() bool {
	switch m.Status {
	case StatusInvoiced, StatusPaid:
		return false
	}
	return m.InvoiceID == ""
}
