package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrSignatureInvalid means the webhook payload failed signature
// verification. Such payloads are never processed.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// EventKind discriminates the decoded webhook union.
type EventKind string

const (
	KindInvoicePaid          EventKind = "invoice_paid"
	KindInvoiceVoided        EventKind = "invoice_voided"
	KindInvoiceUncollectible EventKind = "invoice_uncollectible"
	KindPaymentSucceeded     EventKind = "payment_succeeded"
	// KindUnhandled covers every event type the handler does not track.
	// The gateway's event catalog grows without notice; unhandled kinds are
	// acknowledged, not errored.
	KindUnhandled EventKind = "unhandled"
)

// Event is a webhook event decoded once at the trust boundary. Exactly one
// payload pointer is set, matching Kind; Unhandled events carry none.
type Event struct {
	ID   string
	Type string
	Kind EventKind

	InvoicePaid      *InvoiceEventPayload
	InvoiceVoided    *InvoiceEventPayload
	PaymentSucceeded *PaymentEventPayload
}

// InvoiceEventPayload carries the fields the lifecycle engine needs from an
// invoice-scoped event. ProjectID/MilestoneID come from the metadata written
// at invoice creation.
type InvoiceEventPayload struct {
	ProjectID       string
	MilestoneID     string
	InvoiceID       string
	Status          InvoiceStatus
	AmountPaid      int64
	AmountRemaining int64
}

// PaymentEventPayload carries the fields of a settled payment intent.
type PaymentEventPayload struct {
	ProjectID   string
	MilestoneID string
	IntentID    string
	Amount      int64
}

// VerifyAndDecode checks the signature and decodes the payload into the
// typed event union. Verification failure rejects the payload outright.
func VerifyAndDecode(payload []byte, sigHeader, secret string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return decodeEvent(&ev)
}

func decodeEvent(ev *stripe.Event) (*Event, error) {
	out := &Event{
		ID:   ev.ID,
		Type: string(ev.Type),
		Kind: KindUnhandled,
	}

	switch ev.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		payload, err := decodeInvoicePayload(ev)
		if err != nil {
			return nil, err
		}
		out.Kind = KindInvoicePaid
		out.InvoicePaid = payload

	case "invoice.voided":
		payload, err := decodeInvoicePayload(ev)
		if err != nil {
			return nil, err
		}
		out.Kind = KindInvoiceVoided
		out.InvoiceVoided = payload

	case "invoice.marked_uncollectible":
		payload, err := decodeInvoicePayload(ev)
		if err != nil {
			return nil, err
		}
		out.Kind = KindInvoiceUncollectible
		out.InvoiceVoided = payload

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment_intent event %s: %w", ev.ID, err)
		}
		if pi.ID == "" || pi.Amount <= 0 {
			return nil, fmt.Errorf("payment_intent event %s: missing id or amount", ev.ID)
		}
		out.Kind = KindPaymentSucceeded
		out.PaymentSucceeded = &PaymentEventPayload{
			ProjectID:   pi.Metadata[MetaProjectID],
			MilestoneID: pi.Metadata[MetaMilestoneID],
			IntentID:    pi.ID,
			Amount:      pi.Amount,
		}
	}

	return out, nil
}

// decodeInvoicePayload fails fast when a field the business logic depends on
// is missing, instead of letting a zero value reach the money path.
func decodeInvoicePayload(ev *stripe.Event) (*InvoiceEventPayload, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice event %s: %w", ev.ID, err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("invoice event %s: missing invoice id", ev.ID)
	}
	if inv.Status == "" {
		return nil, fmt.Errorf("invoice event %s: missing invoice status", ev.ID)
	}

	return &InvoiceEventPayload{
		ProjectID:       inv.Metadata[MetaProjectID],
		MilestoneID:     inv.Metadata[MetaMilestoneID],
		InvoiceID:       inv.ID,
		Status:          InvoiceStatus(inv.Status),
		AmountPaid:      inv.AmountPaid,
		AmountRemaining: inv.AmountRemaining,
	}, nil
}
