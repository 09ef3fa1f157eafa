package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is satisfied by Producer.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher publishes domain events to the order topic and receipt
// delivery requests to the notifications topic.
type EventPublisher struct {
	orders        EventWriter
	notifications EventWriter
	now           func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, notifications EventWriter) *EventPublisher {
	return &EventPublisher{orders: orders, notifications: notifications, now: time.Now}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

func (ep *EventPublisher) stamp(base *models.BaseEvent, eventType string) {
	if base.EventID == "" {
		base.EventID = uuid.NewString()
	}
	base.EventType = eventType
	if base.Timestamp.IsZero() {
		base.Timestamp = ep.now().UTC()
	}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypeOrderCreated)
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypeOrderPaid)
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypeOrderCancelled)
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func (ep *EventPublisher) PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypePaymentInitiated)
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func (ep *EventPublisher) PublishPaymentRejected(ctx context.Context, event *models.PaymentRejectedEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypePaymentRejected)
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypePaymentFailed)
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishReceiptDelivery asks the delivery service to send a receipt
func (ep *EventPublisher) PublishReceiptDelivery(ctx context.Context, event *models.ReceiptDeliveryEvent) error {
	ep.stamp(&event.BaseEvent, models.EventTypeReceiptDeliveryRequested)
	return ep.notifications.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes incoming events by type
type EventHandler struct {
	onOrderPaid func(context.Context, *models.OrderPaidEvent) error
	logger      *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderPaid registers a handler for OrderPaid events
func (eh *EventHandler) OnOrderPaid(handler func(context.Context, *models.OrderPaidEvent) error) {
	eh.onOrderPaid = handler
}

// HandleMessage routes messages to appropriate handlers. Unknown types are
// acknowledged without action.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderPaid:
		if eh.onOrderPaid != nil {
			var event models.OrderPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderPaid event: %w", err)
			}
			return eh.onOrderPaid(ctx, &event)
		}
	}

	return nil
}
