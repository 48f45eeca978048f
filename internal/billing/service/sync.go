package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/metrics"
)

// invoicePaymentRef is the positional payment reference recorded when a
// payment is applied from invoice status alone, without a payment intent id.
func invoicePaymentRef(invoiceID string) string {
	return "inv:" + invoiceID
}

// SyncPaymentStatus reconciles every outstanding invoice of a project
// against the gateway. Paid invoices drive the same idempotent transition
// as RecordPayment; gateway-voided invoices re-open their milestone;
// anything the job refuses to resolve automatically is returned as drift.
// Running the sync twice with no intervening gateway change mutates nothing
// on the second pass.
func (s *LifecycleService) SyncPaymentStatus(ctx context.Context, projectID string) (*domain.SyncResult, error) {
	start := time.Now()
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}

	result := &domain.SyncResult{ProjectID: projectID}

	invoiced, err := s.milestones.ListByStatus(ctx, projectID, domain.StatusInvoiced)
	if err != nil {
		return nil, err
	}
	for i := range invoiced {
		m := &invoiced[i]
		inv, err := s.fetchInvoice(ctx, m.InvoiceID)
		if err != nil {
			s.logger.Warn("sync: invoice fetch failed",
				zap.String("milestone_id", m.ID),
				zap.String("invoice_id", m.InvoiceID),
				zap.Error(err),
			)
			continue
		}
		result.Checked++

		switch inv.Status {
		case gateway.InvoicePaid:
			if inv.AmountRemaining == 0 && inv.AmountPaid == m.Amount {
				applied, err := s.milestones.MarkPaid(ctx, projectID, m.ID, invoicePaymentRef(m.InvoiceID), time.Now().UTC())
				if err != nil {
					return nil, err
				}
				if applied {
					result.Applied++
					metrics.RecordTransition(string(domain.StatusPaid), TriggerRecon)
				}
			} else {
				// Partial payment is not a modeled state; never assume
				// full payment from status alone.
				result.Drifts = append(result.Drifts, domain.Drift{
					ProjectID:     projectID,
					MilestoneID:   m.ID,
					InvoiceID:     m.InvoiceID,
					LocalStatus:   string(m.Status),
					GatewayStatus: string(inv.Status),
					AmountPaid:    inv.AmountPaid,
					Detail:        fmt.Sprintf("gateway paid %d of %d", inv.AmountPaid, m.Amount),
				})
			}

		case gateway.InvoiceVoid:
			// Mirrors the explicit void operation; someone voided the
			// invoice in the gateway directly.
			reopened, err := s.milestones.ResetToPending(ctx, projectID, m.ID)
			if err != nil {
				return nil, err
			}
			if reopened {
				result.Reopened++
				metrics.RecordTransition(string(domain.StatusPending), TriggerRecon)
			}

		case gateway.InvoiceUncollectible:
			result.Drifts = append(result.Drifts, domain.Drift{
				ProjectID:     projectID,
				MilestoneID:   m.ID,
				InvoiceID:     m.InvoiceID,
				LocalStatus:   string(m.Status),
				GatewayStatus: string(inv.Status),
				AmountPaid:    inv.AmountPaid,
				Detail:        "gateway marked invoice uncollectible",
			})
		}
	}

	// Cross-check settled milestones: gateway disagreement over money
	// already recorded as collected is never auto-resolved.
	paid, err := s.milestones.ListByStatus(ctx, projectID, domain.StatusPaid)
	if err != nil {
		return nil, err
	}
	for i := range paid {
		m := &paid[i]
		if m.InvoiceID == "" {
			continue
		}
		inv, err := s.fetchInvoice(ctx, m.InvoiceID)
		if err != nil {
			s.logger.Warn("sync: paid cross-check fetch failed",
				zap.String("milestone_id", m.ID),
				zap.String("invoice_id", m.InvoiceID),
				zap.Error(err),
			)
			continue
		}
		result.Checked++
		if inv.Status == gateway.InvoiceVoid || inv.Status == gateway.InvoiceUncollectible {
			result.Drifts = append(result.Drifts, domain.Drift{
				ProjectID:     projectID,
				MilestoneID:   m.ID,
				InvoiceID:     m.InvoiceID,
				LocalStatus:   string(m.Status),
				GatewayStatus: string(inv.Status),
				AmountPaid:    inv.AmountPaid,
				Detail:        "gateway no longer reports invoice as paid",
			})
		}
	}

	for range result.Drifts {
		metrics.ReconDrift.Inc()
	}
	metrics.RecordReconPass(syncResultLabel(result), time.Since(start))

	s.logger.Info("payment status sync finished",
		zap.String("project_id", projectID),
		zap.Int("checked", result.Checked),
		zap.Int("applied", result.Applied),
		zap.Int("reopened", result.Reopened),
		zap.Int("drifts", len(result.Drifts)),
	)
	return result, nil
}

// ApplyInvoicePaid handles a gateway push that an invoice settled. The
// event payload is positional: the transition is driven by invoice status,
// not a payment intent id.
func (s *LifecycleService) ApplyInvoicePaid(ctx context.Context, p *gateway.InvoiceEventPayload) error {
	if p.ProjectID == "" || p.MilestoneID == "" {
		return fmt.Errorf("%w: event metadata missing project or milestone id", domain.ErrMilestoneNotFound)
	}

	m, err := s.milestones.Get(ctx, p.ProjectID, p.MilestoneID)
	if err != nil {
		return err
	}
	if m.Status == domain.StatusPaid {
		return nil
	}
	if m.InvoiceID != p.InvoiceID {
		return fmt.Errorf("%w: event invoice %s does not match milestone invoice %s", domain.ErrInvoiceNotFound, p.InvoiceID, m.InvoiceID)
	}
	if p.AmountRemaining != 0 || p.AmountPaid != m.Amount {
		return fmt.Errorf("%w: event settles %d of %d", domain.ErrInvalidTransition, p.AmountPaid, m.Amount)
	}

	return s.applyPaid(ctx, p.ProjectID, p.MilestoneID, invoicePaymentRef(p.InvoiceID), p.AmountPaid, time.Now().UTC(), TriggerWebhook)
}

// ApplyInvoiceVoided handles a gateway push that an invoice was voided or
// marked uncollectible. An invoiced milestone is re-opened; a paid one is
// left alone and logged for review.
func (s *LifecycleService) ApplyInvoiceVoided(ctx context.Context, p *gateway.InvoiceEventPayload) error {
	if p.ProjectID == "" || p.MilestoneID == "" {
		return fmt.Errorf("%w: event metadata missing project or milestone id", domain.ErrMilestoneNotFound)
	}

	m, err := s.milestones.Get(ctx, p.ProjectID, p.MilestoneID)
	if err != nil {
		return err
	}
	if m.InvoiceID != p.InvoiceID {
		return nil
	}

	if m.Status == domain.StatusPaid {
		metrics.ReconDrift.Inc()
		s.logger.Error("gateway voided an invoice recorded as paid; manual review required",
			zap.String("project_id", p.ProjectID),
			zap.String("milestone_id", p.MilestoneID),
			zap.String("invoice_id", p.InvoiceID),
		)
		return nil
	}

	reopened, err := s.milestones.ResetToPending(ctx, p.ProjectID, p.MilestoneID)
	if err != nil {
		return err
	}
	if reopened {
		metrics.RecordTransition(string(domain.StatusPending), TriggerWebhook)
	}
	return nil
}

// ApplyPaymentSucceeded handles a settled payment-intent push.
func (s *LifecycleService) ApplyPaymentSucceeded(ctx context.Context, p *gateway.PaymentEventPayload) error {
	if p.ProjectID == "" || p.MilestoneID == "" {
		return fmt.Errorf("%w: event metadata missing project or milestone id", domain.ErrMilestoneNotFound)
	}
	return s.RecordPayment(ctx, p.ProjectID, p.MilestoneID, p.IntentID, p.Amount, time.Now().UTC(), TriggerWebhook)
}

func (s *LifecycleService) fetchInvoice(ctx context.Context, invoiceID string) (*gateway.Invoice, error) {
	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()

	start := time.Now()
	inv, err := s.gw.GetInvoice(gctx, invoiceID)
	metrics.RecordGatewayCall("fetch", callStatus(err), time.Since(start))
	return inv, err
}

func syncResultLabel(r *domain.SyncResult) string {
	if len(r.Drifts) > 0 {
		return "drift"
	}
	if r.Applied > 0 || r.Reopened > 0 {
		return "changed"
	}
	return "clean"
}
