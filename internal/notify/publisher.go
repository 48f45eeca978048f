package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Notifier dispatches customer notifications after billing transitions.
// Delivery is fire-and-forget relative to billing state: a failed publish is
// logged, never propagated back into the transition that triggered it.
type Notifier interface {
	InvoiceIssued(ctx context.Context, n InvoiceNotification)
	PaymentReceived(ctx context.Context, n PaymentNotification)
}

type InvoiceNotification struct {
	ProjectID   string `json:"project_id"`
	MilestoneID string `json:"milestone_id"`
	CustomerID  string `json:"customer_id"`
	InvoiceID   string `json:"invoice_id"`
	Amount      int64  `json:"amount"`
	HostedURL   string `json:"hosted_url,omitempty"`
}

type PaymentNotification struct {
	ProjectID   string    `json:"project_id"`
	MilestoneID string    `json:"milestone_id"`
	CustomerID  string    `json:"customer_id"`
	Amount      int64     `json:"amount"`
	PaidAt      time.Time `json:"paid_at"`
}

// NopNotifier drops all notifications. Used when the broker is not
// configured; billing transitions never depend on notification delivery.
type NopNotifier struct{}

func (NopNotifier) InvoiceIssued(ctx context.Context, n InvoiceNotification)   {}
func (NopNotifier) PaymentReceived(ctx context.Context, n PaymentNotification) {}

// AMQPNotifier publishes notification events to a topic exchange consumed
// by the notification service.
type AMQPNotifier struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

func NewAMQPNotifier(url, exchange string, logger *zap.Logger) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPNotifier{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (n *AMQPNotifier) Close() {
	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
}

func (n *AMQPNotifier) InvoiceIssued(ctx context.Context, notif InvoiceNotification) {
	n.publish(ctx, "billing.invoice.issued", notif)
}

func (n *AMQPNotifier) PaymentReceived(ctx context.Context, notif PaymentNotification) {
	n.publish(ctx, "billing.payment.received", notif)
}

func (n *AMQPNotifier) publish(ctx context.Context, routingKey string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshal notification", zap.String("routing_key", routingKey), zap.Error(err))
		return
	}

	err = n.channel.PublishWithContext(ctx,
		n.exchange,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		n.logger.Error("publish notification failed",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
