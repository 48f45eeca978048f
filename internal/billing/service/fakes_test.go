package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/directory"
	"github.com/ridgeline-contracting/billing-backend/internal/notify"
)

// fakeMilestoneStore keeps milestones in memory with the same
// compare-and-set transition semantics as the SQL store.
type fakeMilestoneStore struct {
	mu    sync.Mutex
	items map[string]*domain.Milestone
	next  int
}

func newFakeMilestoneStore() *fakeMilestoneStore {
	return &fakeMilestoneStore{items: make(map[string]*domain.Milestone)}
}

func (s *fakeMilestoneStore) Create(ctx context.Context, m *domain.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	if m.ID == "" {
		m.ID = fmt.Sprintf("ms-%d", s.next)
	}
	if m.Status == "" {
		m.Status = domain.StatusPending
	}
	m.CreatedAt = time.Now().UTC()
	cp := *m
	s.items[m.ID] = &cp
	return nil
}

func (s *fakeMilestoneStore) Get(ctx context.Context, projectID, milestoneID string) (*domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[milestoneID]
	if !ok || m.ProjectID != projectID {
		return nil, domain.ErrMilestoneNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMilestoneStore) ListByProject(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Milestone
	for _, m := range s.items {
		if m.ProjectID == projectID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeMilestoneStore) ListByStatus(ctx context.Context, projectID string, status domain.MilestoneStatus) ([]domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Milestone
	for _, m := range s.items {
		if m.ProjectID == projectID && m.Status == status {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeMilestoneStore) MarkCompleted(ctx context.Context, projectID, milestoneID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[milestoneID]
	if !ok || m.ProjectID != projectID {
		return false, nil
	}
	if m.Status != domain.StatusPending && m.Status != domain.StatusInProgress {
		return false, nil
	}
	m.Status = domain.StatusCompleted
	m.CompletedDate = &at
	return true, nil
}

func (s *fakeMilestoneStore) MarkInvoiced(ctx context.Context, projectID, milestoneID, invoiceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[milestoneID]
	if !ok || m.ProjectID != projectID {
		return false, nil
	}
	switch m.Status {
	case domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted:
	default:
		return false, nil
	}
	if m.InvoiceID != "" {
		return false, nil
	}
	m.Status = domain.StatusInvoiced
	m.InvoiceID = invoiceID
	return true, nil
}

func (s *fakeMilestoneStore) MarkPaid(ctx context.Context, projectID, milestoneID, paymentRef string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[milestoneID]
	if !ok || m.ProjectID != projectID {
		return false, nil
	}
	if m.Status != domain.StatusInvoiced {
		return false, nil
	}
	m.Status = domain.StatusPaid
	m.PaymentRef = paymentRef
	m.PaidAt = &at
	return true, nil
}

func (s *fakeMilestoneStore) ResetToPending(ctx context.Context, projectID, milestoneID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[milestoneID]
	if !ok || m.ProjectID != projectID {
		return false, nil
	}
	if m.Status != domain.StatusInvoiced {
		return false, nil
	}
	m.Status = domain.StatusPending
	m.InvoiceID = ""
	m.CompletedDate = nil
	return true, nil
}

type fakeProjectStore struct {
	mu    sync.Mutex
	items map[string]*domain.Project
	next  int
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{items: make(map[string]*domain.Project)}
}

func (s *fakeProjectStore) Create(ctx context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	if p.ID == "" {
		p.ID = fmt.Sprintf("proj-%d", s.next)
	}
	if p.Status == "" {
		p.Status = domain.ProjectPlanning
	}
	cp := *p
	s.items[p.ID] = &cp
	return nil
}

func (s *fakeProjectStore) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[projectID]
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProjectStore) UpdateStatus(ctx context.Context, projectID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[projectID]
	if !ok {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (s *fakeProjectStore) ListIDsWithOutstandingInvoices(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.items {
		out = append(out, id)
	}
	return out, nil
}

type fakeLinkStore struct {
	mu    sync.Mutex
	links map[string]string
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{links: make(map[string]string)}
}

func (s *fakeLinkStore) GetExternalID(ctx context.Context, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[customerID], nil
}

func (s *fakeLinkStore) SetExternalID(ctx context.Context, customerID, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.links[customerID]; ok {
		return existing, nil
	}
	s.links[customerID] = externalID
	return externalID, nil
}

type fakeResolver struct {
	contacts map[string]*directory.Contact
	err      error
}

func (r *fakeResolver) Lookup(ctx context.Context, customerID string) (*directory.Contact, error) {
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.contacts[customerID]
	if !ok {
		return nil, fmt.Errorf("customer %s not in directory", customerID)
	}
	return c, nil
}

// fakeGateway simulates the payment processor. Error fields force specific
// sub-steps to fail.
type fakeGateway struct {
	mu       sync.Mutex
	invoices map[string]*gateway.Invoice
	intents  map[string]*gateway.PaymentIntent
	next     int

	failCustomer error
	failCreate   error
	failSend     error
	failVoid     error

	sent   []string
	voided []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		invoices: make(map[string]*gateway.Invoice),
		intents:  make(map[string]*gateway.PaymentIntent),
	}
}

func (g *fakeGateway) UpsertCustomer(ctx context.Context, p gateway.CustomerParams) (string, error) {
	if g.failCustomer != nil {
		return "", g.failCustomer
	}
	return "cus_" + p.Email, nil
}

func (g *fakeGateway) CreateInvoice(ctx context.Context, p gateway.InvoiceParams) (*gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreate != nil {
		return nil, g.failCreate
	}
	g.next++
	var total int64
	for _, li := range p.LineItems {
		total += li.Total()
	}
	inv := &gateway.Invoice{
		ID:              fmt.Sprintf("in_%d", g.next),
		Status:          gateway.InvoiceOpen,
		AmountDue:       total,
		AmountRemaining: total,
		HostedURL:       "https://pay.example.com/in_" + fmt.Sprint(g.next),
		CreatedAt:       time.Now().UTC(),
	}
	g.invoices[inv.ID] = inv
	return inv, nil
}

func (g *fakeGateway) SendInvoice(ctx context.Context, invoiceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSend != nil {
		return g.failSend
	}
	if _, ok := g.invoices[invoiceID]; !ok {
		return domain.ErrInvoiceNotFound
	}
	g.sent = append(g.sent, invoiceID)
	return nil
}

func (g *fakeGateway) VoidInvoice(ctx context.Context, invoiceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failVoid != nil {
		return g.failVoid
	}
	inv, ok := g.invoices[invoiceID]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if inv.Status == gateway.InvoicePaid {
		return domain.NewGatewayError("void", fmt.Errorf("invoice %s is already paid", invoiceID))
	}
	inv.Status = gateway.InvoiceVoid
	g.voided = append(g.voided, invoiceID)
	return nil
}

func (g *fakeGateway) GetInvoice(ctx context.Context, invoiceID string) (*gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[invoiceID]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

// markPaid settles an invoice gateway-side, as if the customer paid.
func (g *fakeGateway) markPaid(invoiceID string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv := g.invoices[invoiceID]
	inv.Status = gateway.InvoicePaid
	inv.AmountPaid = amount
	inv.AmountRemaining = inv.AmountDue - amount
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, p gateway.IntentParams) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	pi := &gateway.PaymentIntent{
		ID:     fmt.Sprintf("pi_%d", g.next),
		Status: "requires_payment_method",
		Amount: p.Amount,
	}
	g.intents[pi.ID] = pi
	return pi, nil
}

func (g *fakeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[intentID]
	if !ok {
		return nil, domain.NewGatewayError("intent", fmt.Errorf("no such payment_intent: %s", intentID))
	}
	cp := *pi
	return &cp, nil
}

// addIntent seeds a payment intent in a given state.
func (g *fakeGateway) addIntent(id, status string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id] = &gateway.PaymentIntent{ID: id, Status: status, Amount: amount}
}

type fakeNotifier struct {
	mu       sync.Mutex
	invoices []notify.InvoiceNotification
	payments []notify.PaymentNotification
}

func (n *fakeNotifier) InvoiceIssued(ctx context.Context, notif notify.InvoiceNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invoices = append(n.invoices, notif)
}

func (n *fakeNotifier) PaymentReceived(ctx context.Context, notif notify.PaymentNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, notif)
}
