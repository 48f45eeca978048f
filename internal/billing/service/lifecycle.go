package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/directory"
	"github.com/ridgeline-contracting/billing-backend/internal/metrics"
	"github.com/ridgeline-contracting/billing-backend/internal/notify"
)

// Transition triggers, recorded in metrics so webhook-driven and
// polling-driven applications can be told apart.
const (
	TriggerAPI     = "api"
	TriggerWebhook = "webhook"
	TriggerRecon   = "recon"
)

// MilestoneStore is the billing-record-store access the engine needs.
// Transition methods are compare-and-set: they return false when the
// milestone was not in the expected prior status.
type MilestoneStore interface {
	Create(ctx context.Context, m *domain.Milestone) error
	Get(ctx context.Context, projectID, milestoneID string) (*domain.Milestone, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Milestone, error)
	ListByStatus(ctx context.Context, projectID string, status domain.MilestoneStatus) ([]domain.Milestone, error)
	MarkCompleted(ctx context.Context, projectID, milestoneID string, at time.Time) (bool, error)
	MarkInvoiced(ctx context.Context, projectID, milestoneID, invoiceID string) (bool, error)
	MarkPaid(ctx context.Context, projectID, milestoneID, paymentRef string, at time.Time) (bool, error)
	ResetToPending(ctx context.Context, projectID, milestoneID string) (bool, error)
}

type ProjectStore interface {
	Create(ctx context.Context, p *domain.Project) error
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	ListIDsWithOutstandingInvoices(ctx context.Context) ([]string, error)
	UpdateStatus(ctx context.Context, projectID, status string) (bool, error)
}

type CustomerLinkStore interface {
	GetExternalID(ctx context.Context, customerID string) (string, error)
	SetExternalID(ctx context.Context, customerID, externalID string) (string, error)
}

// ContactResolver resolves internal customer IDs against the directory.
type ContactResolver interface {
	Lookup(ctx context.Context, customerID string) (*directory.Contact, error)
}

// LifecycleService owns every milestone status transition. All state lives
// in the store and the gateway; correctness under concurrency comes from
// the store's compare-and-set transitions, not from in-process locking.
type LifecycleService struct {
	milestones MilestoneStore
	projects   ProjectStore
	customers  CustomerLinkStore
	gw         gateway.Gateway
	resolver   ContactResolver
	notifier   notify.Notifier
	logger     *zap.Logger

	// gatewayTimeout bounds each outbound gateway call.
	gatewayTimeout time.Duration
}

func NewLifecycleService(
	milestones MilestoneStore,
	projects ProjectStore,
	customers CustomerLinkStore,
	gw gateway.Gateway,
	resolver ContactResolver,
	notifier notify.Notifier,
	logger *zap.Logger,
	gatewayTimeout time.Duration,
) *LifecycleService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 15 * time.Second
	}
	return &LifecycleService{
		milestones:     milestones,
		projects:       projects,
		customers:      customers,
		gw:             gw,
		resolver:       resolver,
		notifier:       notifier,
		logger:         logger,
		gatewayTimeout: gatewayTimeout,
	}
}

func (s *LifecycleService) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.gatewayTimeout)
}

// CreateProject registers a signed contract.
func (s *LifecycleService) CreateProject(ctx context.Context, p *domain.Project) error {
	return s.projects.Create(ctx, p)
}

// CreateMilestone adds a billable unit of work to a project. The cached
// amount must match the line-item total from the start.
func (s *LifecycleService) CreateMilestone(ctx context.Context, m *domain.Milestone) error {
	if _, err := s.projects.Get(ctx, m.ProjectID); err != nil {
		return err
	}
	if len(m.LineItems) == 0 {
		return fmt.Errorf("at least one line item is required")
	}
	if m.Amount != (&domain.Milestone{LineItems: m.LineItems}).LineItemTotal() {
		return domain.ErrAmountMismatch
	}
	return s.milestones.Create(ctx, m)
}

// ListMilestones returns every milestone of a project.
func (s *LifecycleService) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.milestones.ListByProject(ctx, projectID)
}

// CompleteResult is returned by CompleteMilestone. Warning carries a
// non-fatal problem (the invoice exists but could not be sent).
type CompleteResult struct {
	InvoiceID string `json:"invoice_id"`
	HostedURL string `json:"hosted_url,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// CompleteMilestone marks the work done and bills it: the customer is
// mirrored to the gateway if needed, an invoice is created from the
// milestone's line items and sent, and the milestone moves to invoiced.
//
// A second call on a billed milestone is rejected with ErrInvalidTransition,
// never retried silently. A milestone left completed without an invoice by
// an earlier failure is the retry path and is accepted.
func (s *LifecycleService) CompleteMilestone(ctx context.Context, projectID, milestoneID, notes string) (*CompleteResult, error) {
	m, err := s.milestones.Get(ctx, projectID, milestoneID)
	if err != nil {
		return nil, err
	}

	switch m.Status {
	case domain.StatusInvoiced, domain.StatusPaid:
		return nil, fmt.Errorf("%w: milestone %s is already %s", domain.ErrInvalidTransition, milestoneID, m.Status)
	case domain.StatusCompleted:
		if m.InvoiceID != "" {
			return nil, fmt.Errorf("%w: milestone %s is already billed", domain.ErrInvalidTransition, milestoneID)
		}
		// invoice creation failed on a previous attempt; fall through and retry
	}

	if m.Amount != m.LineItemTotal() {
		return nil, fmt.Errorf("%w: amount=%d line items=%d", domain.ErrAmountMismatch, m.Amount, m.LineItemTotal())
	}

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// Customer creation failure aborts before any invoice exists, so no
	// partial state is left behind.
	extCustomerID, err := s.ensureExternalCustomer(ctx, project.CustomerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if m.Status != domain.StatusCompleted {
		ok, err := s.milestones.MarkCompleted(ctx, projectID, milestoneID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race; re-read and keep going only on the retry path.
			m, err = s.milestones.Get(ctx, projectID, milestoneID)
			if err != nil {
				return nil, err
			}
			if m.Status != domain.StatusCompleted || m.InvoiceID != "" {
				return nil, fmt.Errorf("%w: milestone %s is %s", domain.ErrInvalidTransition, milestoneID, m.Status)
			}
		}
		metrics.RecordTransition(string(domain.StatusCompleted), TriggerAPI)
	}

	inv, err := s.createInvoice(ctx, m, extCustomerID, m.DueDate, notes)
	if err != nil {
		// Milestone stays completed without an invoice; the call is
		// safely retryable.
		return nil, err
	}

	ok, err := s.milestones.MarkInvoiced(ctx, projectID, milestoneID, inv.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent call billed the milestone first. Void our orphan so
		// only one open invoice exists.
		s.voidOrphan(ctx, inv.ID)
		return nil, fmt.Errorf("%w: milestone %s was billed concurrently", domain.ErrInvalidTransition, milestoneID)
	}
	metrics.RecordTransition(string(domain.StatusInvoiced), TriggerAPI)

	result := &CompleteResult{InvoiceID: inv.ID, HostedURL: inv.HostedURL}

	gctx, cancel := s.gatewayCtx(ctx)
	sendStart := time.Now()
	err = s.gw.SendInvoice(gctx, inv.ID)
	cancel()
	metrics.RecordGatewayCall("send", callStatus(err), time.Since(sendStart))
	if err != nil {
		// Non-fatal: the invoice exists and can be resent.
		result.Warning = fmt.Sprintf("invoice created but not sent: %v", err)
		s.logger.Warn("invoice send failed",
			zap.String("project_id", projectID),
			zap.String("milestone_id", milestoneID),
			zap.String("invoice_id", inv.ID),
			zap.Error(err),
		)
	}

	s.notifier.InvoiceIssued(ctx, notify.InvoiceNotification{
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		CustomerID:  project.CustomerID,
		InvoiceID:   inv.ID,
		Amount:      m.Amount,
		HostedURL:   inv.HostedURL,
	})

	if project.Status == domain.ProjectPlanning {
		s.advanceProject(ctx, projectID, domain.ProjectInProgress)
	}

	s.logger.Info("milestone completed and invoiced",
		zap.String("project_id", projectID),
		zap.String("milestone_id", milestoneID),
		zap.String("invoice_id", inv.ID),
		zap.Int64("amount", m.Amount),
	)
	return result, nil
}

// advanceProject moves the project record forward. Best effort: project
// status is derived bookkeeping, never a gate on billing transitions.
func (s *LifecycleService) advanceProject(ctx context.Context, projectID, status string) {
	if _, err := s.projects.UpdateStatus(ctx, projectID, status); err != nil {
		s.logger.Warn("project status update failed",
			zap.String("project_id", projectID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// CreateMilestoneInvoice bills a milestone ahead of completion (deposits).
// The invoice is created but not sent automatically.
func (s *LifecycleService) CreateMilestoneInvoice(ctx context.Context, projectID, milestoneID string, dueDate *time.Time) (*CompleteResult, error) {
	m, err := s.milestones.Get(ctx, projectID, milestoneID)
	if err != nil {
		return nil, err
	}
	if !m.Billable() {
		return nil, fmt.Errorf("%w: milestone %s is %s", domain.ErrInvalidTransition, milestoneID, m.Status)
	}
	if m.Amount != m.LineItemTotal() {
		return nil, fmt.Errorf("%w: amount=%d line items=%d", domain.ErrAmountMismatch, m.Amount, m.LineItemTotal())
	}

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	extCustomerID, err := s.ensureExternalCustomer(ctx, project.CustomerID)
	if err != nil {
		return nil, err
	}

	if dueDate == nil {
		dueDate = m.DueDate
	}
	inv, err := s.createInvoice(ctx, m, extCustomerID, dueDate, "")
	if err != nil {
		return nil, err
	}

	ok, err := s.milestones.MarkInvoiced(ctx, projectID, milestoneID, inv.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.voidOrphan(ctx, inv.ID)
		return nil, fmt.Errorf("%w: milestone %s was billed concurrently", domain.ErrInvalidTransition, milestoneID)
	}
	metrics.RecordTransition(string(domain.StatusInvoiced), TriggerAPI)

	s.logger.Info("milestone invoiced ahead of completion",
		zap.String("project_id", projectID),
		zap.String("milestone_id", milestoneID),
		zap.String("invoice_id", inv.ID),
	)
	return &CompleteResult{InvoiceID: inv.ID, HostedURL: inv.HostedURL}, nil
}

// RecordPayment applies a confirmed payment to a milestone. The payment
// reference is verified against the gateway; a caller-supplied "it paid"
// claim is never trusted on its own.
//
// Idempotent: a milestone already paid returns success without re-applying.
func (s *LifecycleService) RecordPayment(ctx context.Context, projectID, milestoneID, paymentRef string, amount int64, paidAt time.Time, trigger string) error {
	m, err := s.milestones.Get(ctx, projectID, milestoneID)
	if err != nil {
		return err
	}
	if m.Status == domain.StatusPaid {
		return nil
	}
	if m.InvoiceID == "" {
		return fmt.Errorf("%w: milestone %s has no invoice", domain.ErrInvalidTransition, milestoneID)
	}

	gctx, cancel := s.gatewayCtx(ctx)
	start := time.Now()
	pi, err := s.gw.GetPaymentIntent(gctx, paymentRef)
	cancel()
	metrics.RecordGatewayCall("intent", callStatus(err), time.Since(start))
	if err != nil {
		return err
	}
	if pi.Status != gateway.PaymentIntentSucceeded {
		return fmt.Errorf("%w: payment %s reported %q by gateway", domain.ErrInvalidTransition, paymentRef, pi.Status)
	}
	if pi.Amount != m.Amount || amount != m.Amount {
		// Partial payments are not a supported state; the milestone stays
		// invoiced and the mismatch is surfaced.
		return fmt.Errorf("%w: payment amount %d does not settle milestone amount %d", domain.ErrInvalidTransition, pi.Amount, m.Amount)
	}

	return s.applyPaid(ctx, projectID, milestoneID, paymentRef, amount, paidAt, trigger)
}

// applyPaid funnels every payment application, webhook- or poll-driven,
// through the same compare-and-set transition. Whichever arrives first wins
// and the other becomes a no-op.
func (s *LifecycleService) applyPaid(ctx context.Context, projectID, milestoneID, paymentRef string, amount int64, paidAt time.Time, trigger string) error {
	ok, err := s.milestones.MarkPaid(ctx, projectID, milestoneID, paymentRef, paidAt)
	if err != nil {
		return err
	}
	if !ok {
		m, err := s.milestones.Get(ctx, projectID, milestoneID)
		if err != nil {
			return err
		}
		if m.Status == domain.StatusPaid {
			return nil
		}
		return fmt.Errorf("%w: milestone %s is %s", domain.ErrInvalidTransition, milestoneID, m.Status)
	}
	metrics.RecordTransition(string(domain.StatusPaid), trigger)

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		s.logger.Warn("paid milestone has no readable project", zap.String("project_id", projectID), zap.Error(err))
		return nil
	}
	s.notifier.PaymentReceived(ctx, notify.PaymentNotification{
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		CustomerID:  project.CustomerID,
		Amount:      amount,
		PaidAt:      paidAt,
	})

	if s.allMilestonesPaid(ctx, projectID) {
		s.advanceProject(ctx, projectID, domain.ProjectCompleted)
	}

	s.logger.Info("milestone paid",
		zap.String("project_id", projectID),
		zap.String("milestone_id", milestoneID),
		zap.String("payment_ref", paymentRef),
		zap.String("trigger", trigger),
	)
	return nil
}

func (s *LifecycleService) allMilestonesPaid(ctx context.Context, projectID string) bool {
	milestones, err := s.milestones.ListByProject(ctx, projectID)
	if err != nil || len(milestones) == 0 {
		return false
	}
	for i := range milestones {
		if milestones[i].Status != domain.StatusPaid {
			return false
		}
	}
	return true
}

// VoidMilestoneInvoice voids the open invoice and re-opens the milestone.
// Only valid from invoiced; the gateway's refusal to void a paid invoice is
// surfaced, not swallowed.
func (s *LifecycleService) VoidMilestoneInvoice(ctx context.Context, projectID, milestoneID string) error {
	m, err := s.milestones.Get(ctx, projectID, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != domain.StatusInvoiced {
		return fmt.Errorf("%w: cannot void milestone in %s", domain.ErrInvalidTransition, m.Status)
	}

	gctx, cancel := s.gatewayCtx(ctx)
	start := time.Now()
	err = s.gw.VoidInvoice(gctx, m.InvoiceID)
	cancel()
	metrics.RecordGatewayCall("void", callStatus(err), time.Since(start))
	if err != nil {
		return err
	}

	ok, err := s.milestones.ResetToPending(ctx, projectID, milestoneID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: milestone %s changed during void", domain.ErrInvalidTransition, milestoneID)
	}
	metrics.RecordTransition(string(domain.StatusPending), TriggerAPI)

	s.logger.Info("milestone invoice voided",
		zap.String("project_id", projectID),
		zap.String("milestone_id", milestoneID),
		zap.String("invoice_id", m.InvoiceID),
	)
	return nil
}

// ensureExternalCustomer returns the gateway customer ID for the project's
// customer, mirroring it into the gateway on first use. Upsert is by email,
// so retries and races never create duplicate gateway customers.
func (s *LifecycleService) ensureExternalCustomer(ctx context.Context, customerID string) (string, error) {
	extID, err := s.customers.GetExternalID(ctx, customerID)
	if err != nil {
		return "", err
	}
	if extID != "" {
		return extID, nil
	}

	contact, err := s.resolver.Lookup(ctx, customerID)
	if err != nil {
		return "", domain.NewGatewayError("customer", err)
	}

	gctx, cancel := s.gatewayCtx(ctx)
	start := time.Now()
	extID, err = s.gw.UpsertCustomer(gctx, gateway.CustomerParams{
		Email:   contact.Email,
		Name:    contact.Name,
		Phone:   contact.Phone,
		Address: contact.Address,
	})
	cancel()
	metrics.RecordGatewayCall("customer", callStatus(err), time.Since(start))
	if err != nil {
		return "", err
	}

	return s.customers.SetExternalID(ctx, customerID, extID)
}

func (s *LifecycleService) createInvoice(ctx context.Context, m *domain.Milestone, extCustomerID string, dueDate *time.Time, description string) (*gateway.Invoice, error) {
	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()

	start := time.Now()
	inv, err := s.gw.CreateInvoice(gctx, gateway.InvoiceParams{
		CustomerID:  extCustomerID,
		LineItems:   m.LineItems,
		DueDate:     dueDate,
		Description: description,
		ProjectID:   m.ProjectID,
		MilestoneID: m.ID,
	})
	metrics.RecordGatewayCall("invoice", callStatus(err), time.Since(start))
	return inv, err
}

func (s *LifecycleService) voidOrphan(ctx context.Context, invoiceID string) {
	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()
	if err := s.gw.VoidInvoice(gctx, invoiceID); err != nil {
		s.logger.Error("failed to void orphan invoice; manual cleanup needed",
			zap.String("invoice_id", invoiceID),
			zap.Error(err),
		)
	}
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
