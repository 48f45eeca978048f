package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/metrics"
)

// ReportService produces read-only financial aggregations. It has no side
// effects on billing state.
type ReportService struct {
	milestones MilestoneStore
	projects   ProjectStore
	gw         gateway.Gateway
	logger     *zap.Logger

	gatewayTimeout time.Duration
}

func NewReportService(milestones MilestoneStore, projects ProjectStore, gw gateway.Gateway, logger *zap.Logger, gatewayTimeout time.Duration) *ReportService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 15 * time.Second
	}
	return &ReportService{
		milestones:     milestones,
		projects:       projects,
		gw:             gw,
		logger:         logger,
		gatewayTimeout: gatewayTimeout,
	}
}

// GetProjectFinancialReport aggregates contracted, invoiced and paid totals
// for a project. Paid amounts are re-read live from the gateway for every
// billed milestone: the local store is authoritative for status only, never
// for running paid totals.
func (s *ReportService) GetProjectFinancialReport(ctx context.Context, projectID string) (*domain.FinancialReport, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}

	milestones, err := s.milestones.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	report := &domain.FinancialReport{
		ProjectID:      projectID,
		CountsByStatus: make(map[domain.MilestoneStatus]int),
	}

	for i := range milestones {
		m := &milestones[i]
		report.TotalContracted += m.Amount
		report.CountsByStatus[m.Status]++

		if m.Status == domain.StatusInvoiced || m.Status == domain.StatusPaid {
			report.TotalInvoiced += m.Amount
		}
		if m.InvoiceID == "" {
			continue
		}

		gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		start := time.Now()
		inv, err := s.gw.GetInvoice(gctx, m.InvoiceID)
		cancel()
		metrics.RecordGatewayCall("fetch", callStatus(err), time.Since(start))
		if err != nil {
			return nil, err
		}
		report.TotalPaid += inv.AmountPaid
	}

	report.Outstanding = report.TotalInvoiced - report.TotalPaid
	return report, nil
}
