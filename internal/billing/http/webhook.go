package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/repository"
	"github.com/ridgeline-contracting/billing-backend/internal/metrics"
)

// EventApplier is the slice of the lifecycle engine the webhook needs.
type EventApplier interface {
	ApplyInvoicePaid(ctx context.Context, p *gateway.InvoiceEventPayload) error
	ApplyInvoiceVoided(ctx context.Context, p *gateway.InvoiceEventPayload) error
	ApplyPaymentSucceeded(ctx context.Context, p *gateway.PaymentEventPayload) error
}

// EventLog persists webhook receipts and their final outcome.
type EventLog interface {
	Record(ctx context.Context, eventID, eventType string) error
	SetOutcome(ctx context.Context, eventID, outcome string) error
}

// DedupeGuard short-circuits redelivered event IDs.
type DedupeGuard interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
}

// WebhookHandler is the trust boundary for gateway pushes. Signature
// verification happens before anything else; an unverifiable payload is
// rejected with 400 and leaves no trace in billing state.
//
// Past the signature check the handler always acknowledges with 200, even
// when applying the event fails internally: the gateway retries on non-2xx,
// and redelivery of an event we already recorded only causes duplicate
// processing of idempotent transitions.
type WebhookHandler struct {
	applier EventApplier
	events  EventLog
	deduper DedupeGuard
	secret  string
	logger  *zap.Logger
}

func NewWebhookHandler(applier EventApplier, events EventLog, deduper DedupeGuard, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		applier: applier,
		events:  events,
		deduper: deduper,
		secret:  secret,
		logger:  logger,
	}
}

func (h *WebhookHandler) handleStripe(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unreadable body"})
		return
	}

	event, err := gateway.VerifyAndDecode(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		if errors.Is(err, gateway.ErrSignatureInvalid) {
			metrics.RecordWebhookEvent("unknown", "rejected")
			h.logger.Warn("webhook signature rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "signature verification failed"})
			return
		}
		// Verified but malformed. Ack so the gateway stops redelivering a
		// payload that will never decode.
		metrics.RecordWebhookEvent("unknown", "failed")
		h.logger.Error("webhook payload undecodable", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "undecodable payload"})
		return
	}

	ctx := c.Request.Context()

	if event.Kind == gateway.KindUnhandled {
		metrics.RecordWebhookEvent(event.Type, "skipped")
		c.JSON(http.StatusOK, gin.H{"ok": true, "handled": false})
		return
	}

	if !h.deduper.AcquireOnce(ctx, "webhook", event.ID) {
		metrics.RecordWebhookEvent(event.Type, "skipped")
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}

	// Receipt first: once we ack, the attempt must be on record.
	if err := h.events.Record(ctx, event.ID, event.Type); err != nil {
		h.logger.Error("webhook receipt write failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}

	if err := h.dispatch(ctx, event); err != nil {
		metrics.RecordWebhookEvent(event.Type, "failed")
		h.logger.Error("webhook event apply failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		h.setOutcome(ctx, event.ID, repository.EventFailed)
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "event not applied"})
		return
	}

	metrics.RecordWebhookEvent(event.Type, "applied")
	h.setOutcome(ctx, event.ID, repository.EventApplied)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *gateway.Event) error {
	switch event.Kind {
	case gateway.KindInvoicePaid:
		return h.applier.ApplyInvoicePaid(ctx, event.InvoicePaid)
	case gateway.KindInvoiceVoided, gateway.KindInvoiceUncollectible:
		return h.applier.ApplyInvoiceVoided(ctx, event.InvoiceVoided)
	case gateway.KindPaymentSucceeded:
		return h.applier.ApplyPaymentSucceeded(ctx, event.PaymentSucceeded)
	default:
		return nil
	}
}

func (h *WebhookHandler) setOutcome(ctx context.Context, eventID, outcome string) {
	if err := h.events.SetOutcome(ctx, eventID, outcome); err != nil {
		h.logger.Warn("webhook outcome update failed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}
