package domain

// FinancialReport aggregates billing state for one project. Totals are in
// minor currency units. TotalPaid is read live from the gateway, not from a
// locally cached running total.
type FinancialReport struct {
	ProjectID string `json:"project_id"`
	// TotalContracted sums every milestone amount regardless of status.
	TotalContracted int64 `json:"total_contracted"`
	// TotalInvoiced sums milestones in invoiced or paid status.
	TotalInvoiced int64 `json:"total_invoiced"`
	// TotalPaid sums gateway-reported amount_paid across billed milestones.
	TotalPaid   int64 `json:"total_paid"`
	Outstanding int64 `json:"outstanding"`

	CountsByStatus map[MilestoneStatus]int `json:"counts_by_status"`
}

// SyncResult summarizes one reconciliation pass over a project.
type SyncResult struct {
	ProjectID string  `json:"project_id"`
	Checked   int     `json:"checked"`
	Applied   int     `json:"applied"`
	Reopened  int     `json:"reopened"`
	Drifts    []Drift `json:"drifts,omitempty"`
}
