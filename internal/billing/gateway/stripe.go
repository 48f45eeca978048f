package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"golang.org/x/time/rate"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
)

// Metadata keys written onto every invoice and payment intent so webhook
// events can be routed back to the owning milestone.
const (
	MetaProjectID   = "project_id"
	MetaMilestoneID = "milestone_id"
)

// StripeGateway implements Gateway over the Stripe API.
type StripeGateway struct {
	sc       *stripe.Client
	currency string
	limiter  *rate.Limiter
}

// NewStripeGateway builds a gateway for the given secret key. Outbound calls
// are rate-limited; Stripe enforces ~25 write req/s on live keys.
func NewStripeGateway(apiKey, currency string) *StripeGateway {
	return &StripeGateway{
		sc:       stripe.NewClient(apiKey),
		currency: strings.ToLower(currency),
		limiter:  rate.NewLimiter(rate.Limit(20), 10),
	}
}

func (g *StripeGateway) wait(ctx context.Context, step string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.NewGatewayError(step, err)
	}
	return nil
}

// UpsertCustomer looks a customer up by email and creates one only if
// absent, so the same email never maps to two gateway customers.
func (g *StripeGateway) UpsertCustomer(ctx context.Context, p CustomerParams) (string, error) {
	if p.Email == "" {
		return "", domain.NewGatewayError("customer", fmt.Errorf("email is required"))
	}

	if err := g.wait(ctx, "customer"); err != nil {
		return "", err
	}

	listParams := &stripe.CustomerListParams{Email: stripe.String(p.Email)}
	listParams.Limit = stripe.Int64(1)
	var (
		existingID string
		found      bool
		listErr    error
	)
	g.sc.V1Customers.List(ctx, listParams)(func(cust *stripe.Customer, err error) bool {
		if err != nil {
			listErr = err
			return false
		}
		existingID = cust.ID
		found = true
		return false
	})
	if listErr != nil {
		return "", domain.NewGatewayError("customer", listErr)
	}
	if found {
		return existingID, nil
	}

	createParams := &stripe.CustomerCreateParams{
		Email: stripe.String(p.Email),
	}
	if p.Name != "" {
		createParams.Name = stripe.String(p.Name)
	}
	if p.Phone != "" {
		createParams.Phone = stripe.String(p.Phone)
	}
	if p.Address != "" {
		createParams.Address = &stripe.AddressParams{Line1: stripe.String(p.Address)}
	}

	cust, err := g.sc.V1Customers.Create(ctx, createParams)
	if err != nil {
		return "", domain.NewGatewayError("customer", err)
	}
	return cust.ID, nil
}

// CreateInvoice creates a draft invoice, attaches one invoice item per line
// and finalizes it. The invoice is not sent; SendInvoice does that.
func (g *StripeGateway) CreateInvoice(ctx context.Context, p InvoiceParams) (*Invoice, error) {
	if p.ProjectID == "" || p.MilestoneID == "" {
		return nil, domain.NewGatewayError("invoice", fmt.Errorf("project and milestone ids are required in metadata"))
	}
	if len(p.LineItems) == 0 {
		return nil, domain.NewGatewayError("invoice", fmt.Errorf("at least one line item is required"))
	}

	if err := g.wait(ctx, "invoice"); err != nil {
		return nil, err
	}

	createParams := &stripe.InvoiceCreateParams{
		Customer:         stripe.String(p.CustomerID),
		Currency:         stripe.String(g.currency),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		AutoAdvance:      stripe.Bool(false),
		Metadata: map[string]string{
			MetaProjectID:   p.ProjectID,
			MetaMilestoneID: p.MilestoneID,
		},
	}
	if p.Description != "" {
		createParams.Description = stripe.String(p.Description)
	}
	if p.DueDate != nil {
		createParams.DueDate = stripe.Int64(p.DueDate.Unix())
	}

	inv, err := g.sc.V1Invoices.Create(ctx, createParams)
	if err != nil {
		return nil, domain.NewGatewayError("invoice", err)
	}

	for _, li := range p.LineItems {
		itemParams := &stripe.InvoiceItemCreateParams{
			Customer:    stripe.String(p.CustomerID),
			Invoice:     stripe.String(inv.ID),
			Currency:    stripe.String(g.currency),
			Amount:      stripe.Int64(li.Total()),
			Description: stripe.String(lineDescription(li)),
			Metadata: map[string]string{
				"category":   li.Category,
				"quantity":   strconv.FormatInt(li.Quantity, 10),
				"unit_price": strconv.FormatInt(li.UnitPrice, 10),
			},
		}
		if _, err := g.sc.V1InvoiceItems.Create(ctx, itemParams); err != nil {
			return nil, domain.NewGatewayError("invoice", err)
		}
	}

	finalized, err := g.sc.V1Invoices.FinalizeInvoice(ctx, inv.ID, &stripe.InvoiceFinalizeInvoiceParams{
		AutoAdvance: stripe.Bool(false),
	})
	if err != nil {
		return nil, domain.NewGatewayError("invoice", err)
	}

	return mapInvoice(finalized), nil
}

// SendInvoice emails the hosted invoice to the customer. Best-effort from
// the caller's point of view; the invoice stays valid if this fails.
func (g *StripeGateway) SendInvoice(ctx context.Context, invoiceID string) error {
	if err := g.wait(ctx, "send"); err != nil {
		return err
	}
	if _, err := g.sc.V1Invoices.SendInvoice(ctx, invoiceID, &stripe.InvoiceSendInvoiceParams{}); err != nil {
		return domain.NewGatewayError("send", err)
	}
	return nil
}

// VoidInvoice voids an open invoice. Stripe rejects voiding a paid invoice;
// that error is surfaced, not swallowed.
func (g *StripeGateway) VoidInvoice(ctx context.Context, invoiceID string) error {
	if err := g.wait(ctx, "void"); err != nil {
		return err
	}
	if _, err := g.sc.V1Invoices.VoidInvoice(ctx, invoiceID, &stripe.InvoiceVoidInvoiceParams{}); err != nil {
		return domain.NewGatewayError("void", err)
	}
	return nil
}

func (g *StripeGateway) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	if err := g.wait(ctx, "fetch"); err != nil {
		return nil, err
	}
	inv, err := g.sc.V1Invoices.Retrieve(ctx, invoiceID, nil)
	if err != nil {
		if isMissing(err) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, domain.NewGatewayError("fetch", err)
	}
	return mapInvoice(inv), nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, p IntentParams) (*PaymentIntent, error) {
	if err := g.wait(ctx, "intent"); err != nil {
		return nil, err
	}

	currency := p.Currency
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			MetaProjectID:   p.ProjectID,
			MetaMilestoneID: p.MilestoneID,
		},
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}

	pi, err := g.sc.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, domain.NewGatewayError("intent", err)
	}
	return mapIntent(pi), nil
}

func (g *StripeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	if err := g.wait(ctx, "intent"); err != nil {
		return nil, err
	}
	pi, err := g.sc.V1PaymentIntents.Retrieve(ctx, intentID, nil)
	if err != nil {
		return nil, domain.NewGatewayError("intent", err)
	}
	return mapIntent(pi), nil
}

func lineDescription(li domain.LineItem) string {
	if li.Quantity > 1 {
		return fmt.Sprintf("%s (x%d)", li.Description, li.Quantity)
	}
	return li.Description
}

func mapInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:              inv.ID,
		Status:          InvoiceStatus(inv.Status),
		AmountDue:       inv.AmountDue,
		AmountPaid:      inv.AmountPaid,
		AmountRemaining: inv.AmountRemaining,
		HostedURL:       inv.HostedInvoiceURL,
		CreatedAt:       time.Unix(inv.Created, 0).UTC(),
	}
	if inv.DueDate > 0 {
		due := time.Unix(inv.DueDate, 0).UTC()
		out.DueDate = &due
	}
	return out
}

func mapIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
	}
}

func isMissing(err error) bool {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}
