package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/service"
	"github.com/ridgeline-contracting/billing-backend/internal/directory"
)

type env struct {
	milestones *fakeMilestoneStore
	projects   *fakeProjectStore
	links      *fakeLinkStore
	gw         *fakeGateway
	notifier   *fakeNotifier
	svc        *service.LifecycleService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		milestones: newFakeMilestoneStore(),
		projects:   newFakeProjectStore(),
		links:      newFakeLinkStore(),
		gw:         newFakeGateway(),
		notifier:   &fakeNotifier{},
	}
	resolver := &fakeResolver{contacts: map[string]*directory.Contact{
		"cust-1": {CustomerID: "cust-1", Email: "owner@example.com", Name: "Dana Ortiz"},
	}}
	e.svc = service.NewLifecycleService(
		e.milestones, e.projects, e.links,
		e.gw, resolver, e.notifier,
		zap.NewNop(), 5*time.Second,
	)
	return e
}

func (e *env) seedProject(t *testing.T) *domain.Project {
	t.Helper()
	p := &domain.Project{Name: "Kitchen remodel", CustomerID: "cust-1"}
	require.NoError(t, e.projects.Create(context.Background(), p))
	return p
}

func (e *env) seedMilestone(t *testing.T, projectID string, status domain.MilestoneStatus) *domain.Milestone {
	t.Helper()
	m := &domain.Milestone{
		ProjectID: projectID,
		Title:     "Foundation pour",
		Amount:    500000,
		LineItems: []domain.LineItem{
			{Description: "Foundation work", Quantity: 1, UnitPrice: 350000, Category: "labor"},
			{Description: "Concrete", Quantity: 3, UnitPrice: 50000, Category: "materials"},
		},
		Status: status,
	}
	require.NoError(t, e.milestones.Create(context.Background(), m))
	return m
}

func TestCreateMilestone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.seedProject(t)

	t.Run("rejects amount that disagrees with line items", func(t *testing.T) {
		m := &domain.Milestone{
			ProjectID: p.ID,
			Title:     "Framing",
			Amount:    100000,
			LineItems: []domain.LineItem{{Description: "Lumber", Quantity: 2, UnitPrice: 40000}},
		}
		err := e.svc.CreateMilestone(ctx, m)
		require.ErrorIs(t, err, domain.ErrAmountMismatch)
	})

	t.Run("rejects empty line items", func(t *testing.T) {
		m := &domain.Milestone{ProjectID: p.ID, Title: "Framing", Amount: 0}
		require.Error(t, e.svc.CreateMilestone(ctx, m))
	})

	t.Run("unknown project", func(t *testing.T) {
		m := &domain.Milestone{
			ProjectID: "nope",
			Title:     "Framing",
			Amount:    80000,
			LineItems: []domain.LineItem{{Description: "Lumber", Quantity: 2, UnitPrice: 40000}},
		}
		err := e.svc.CreateMilestone(ctx, m)
		require.ErrorIs(t, err, domain.ErrProjectNotFound)
	})
}

func TestCompleteMilestone(t *testing.T) {
	ctx := context.Background()

	t.Run("completes, invoices and sends", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)

		result, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "footings inspected")
		require.NoError(t, err)
		assert.NotEmpty(t, result.InvoiceID)
		assert.Empty(t, result.Warning)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
		assert.Equal(t, result.InvoiceID, got.InvoiceID)
		assert.NotNil(t, got.CompletedDate)

		inv, err := e.gw.GetInvoice(ctx, result.InvoiceID)
		require.NoError(t, err)
		assert.Equal(t, int64(500000), inv.AmountDue)
		assert.Equal(t, []string{result.InvoiceID}, e.gw.sent)

		require.Len(t, e.notifier.invoices, 1)
		assert.Equal(t, int64(500000), e.notifier.invoices[0].Amount)
	})

	t.Run("second completion is rejected, no second invoice", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)

		first, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)

		_, err = e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, first.InvoiceID, got.InvoiceID)
		assert.Len(t, e.gw.invoices, 1)
	})

	t.Run("amount drift from line items is rejected", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := &domain.Milestone{
			ProjectID: p.ID,
			Title:     "Framing",
			Amount:    999999,
			LineItems: []domain.LineItem{{Description: "Lumber", Quantity: 1, UnitPrice: 80000}},
			Status:    domain.StatusPending,
		}
		require.NoError(t, e.milestones.Create(ctx, m))

		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.ErrorIs(t, err, domain.ErrAmountMismatch)
	})

	t.Run("customer mirror failure aborts before any transition", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		e.gw.failCustomer = domain.NewGatewayError("customer", errors.New("stripe down"))

		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.Error(t, err)
		var gwErr *domain.GatewayError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "customer", gwErr.Step)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Empty(t, got.InvoiceID)
	})

	t.Run("invoice failure leaves milestone completed and retryable", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		e.gw.failCreate = domain.NewGatewayError("invoice", errors.New("rate limited"))

		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.Error(t, err)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Empty(t, got.InvoiceID)

		// Retry succeeds once the gateway recovers.
		e.gw.failCreate = nil
		result, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		assert.NotEmpty(t, result.InvoiceID)

		got, err = e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
	})

	t.Run("send failure is a warning, not a rollback", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		e.gw.failSend = domain.NewGatewayError("send", errors.New("email bounce"))

		result, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		assert.NotEmpty(t, result.Warning)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
	})

	t.Run("first completion moves the project to in progress", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)

		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)

		got, err := e.projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectInProgress, got.Status)
	})

	t.Run("already paid is rejected", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		_, err = e.milestones.MarkPaid(ctx, p.ID, m.ID, "pi_x", time.Now())
		require.NoError(t, err)

		_, err = e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestCreateMilestoneInvoice(t *testing.T) {
	ctx := context.Background()

	t.Run("bills without completing, does not send", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)

		result, err := e.svc.CreateMilestoneInvoice(ctx, p.ID, m.ID, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, result.InvoiceID)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
		assert.Nil(t, got.CompletedDate)
		assert.Empty(t, e.gw.sent)
	})

	t.Run("already billed milestone is rejected", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)

		_, err := e.svc.CreateMilestoneInvoice(ctx, p.ID, m.ID, nil)
		require.NoError(t, err)
		_, err = e.svc.CreateMilestoneInvoice(ctx, p.ID, m.ID, nil)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Len(t, e.gw.invoices, 1)
	})
}

func TestRecordPayment(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	billed := func(t *testing.T, e *env) (*domain.Project, *domain.Milestone, string) {
		t.Helper()
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		result, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		return p, m, result.InvoiceID
	}

	t.Run("verified full payment settles the milestone", func(t *testing.T) {
		e := newEnv(t)
		p, m, _ := billed(t, e)
		e.gw.addIntent("pi_1", gateway.PaymentIntentSucceeded, 500000)

		require.NoError(t, e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 500000, now, service.TriggerAPI))

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaid, got.Status)
		assert.Equal(t, "pi_1", got.PaymentRef)
		require.Len(t, e.notifier.payments, 1)
	})

	t.Run("settling the last milestone completes the project", func(t *testing.T) {
		e := newEnv(t)
		p, m, _ := billed(t, e)
		e.gw.addIntent("pi_1", gateway.PaymentIntentSucceeded, 500000)

		require.NoError(t, e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 500000, now, service.TriggerAPI))

		got, err := e.projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectCompleted, got.Status)
	})

	t.Run("replayed payment is a no-op", func(t *testing.T) {
		e := newEnv(t)
		p, m, _ := billed(t, e)
		e.gw.addIntent("pi_1", gateway.PaymentIntentSucceeded, 500000)

		require.NoError(t, e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 500000, now, service.TriggerAPI))
		require.NoError(t, e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 500000, now, service.TriggerWebhook))

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaid, got.Status)
		assert.Len(t, e.notifier.payments, 1)
	})

	t.Run("unverified gateway status is rejected", func(t *testing.T) {
		e := newEnv(t)
		p, m, _ := billed(t, e)
		e.gw.addIntent("pi_1", "requires_payment_method", 500000)

		err := e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 500000, now, service.TriggerAPI)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
	})

	t.Run("partial payment leaves the milestone invoiced", func(t *testing.T) {
		e := newEnv(t)
		p, m, _ := billed(t, e)
		e.gw.addIntent("pi_1", gateway.PaymentIntentSucceeded, 200000)

		err := e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 200000, now, service.TriggerAPI)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
	})

	t.Run("milestone without an invoice cannot take a payment", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		e.gw.addIntent("pi_1", gateway.PaymentIntentSucceeded, 500000)

		err := e.svc.RecordPayment(ctx, p.ID, m.ID, "pi_1", 500000, now, service.TriggerAPI)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestVoidMilestoneInvoice(t *testing.T) {
	ctx := context.Background()

	t.Run("voids and reopens", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		result, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)

		require.NoError(t, e.svc.VoidMilestoneInvoice(ctx, p.ID, m.ID))

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Empty(t, got.InvoiceID)
		assert.Equal(t, []string{result.InvoiceID}, e.gw.voided)

		// Reopened milestone can be billed again.
		again, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		assert.NotEqual(t, result.InvoiceID, again.InvoiceID)
	})

	t.Run("paid milestone cannot be voided", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		_, err = e.milestones.MarkPaid(ctx, p.ID, m.ID, "pi_x", time.Now())
		require.NoError(t, err)

		err = e.svc.VoidMilestoneInvoice(ctx, p.ID, m.ID)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("gateway refusal keeps local state", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)
		_, err := e.svc.CompleteMilestone(ctx, p.ID, m.ID, "")
		require.NoError(t, err)
		e.gw.failVoid = domain.NewGatewayError("void", errors.New("already paid"))

		err = e.svc.VoidMilestoneInvoice(ctx, p.ID, m.ID)
		require.Error(t, err)

		got, err := e.milestones.Get(ctx, p.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInvoiced, got.Status)
	})

	t.Run("pending milestone has nothing to void", func(t *testing.T) {
		e := newEnv(t)
		p := e.seedProject(t)
		m := e.seedMilestone(t, p.ID, domain.StatusPending)

		err := e.svc.VoidMilestoneInvoice(ctx, p.ID, m.ID)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}
