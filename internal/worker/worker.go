package worker

import (
	"context"

	"checkout-service/internal/apperr"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Consumer is satisfied by broker.Consumer.
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ReceiptGenerator is satisfied by notify.Service.
type ReceiptGenerator interface {
	GenerateAndSendReceipt(ctx context.Context, orderID string) (*models.Receipt, bool, bool, error)
}

// EventLog records which events have been handled.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// ReceiptWorker issues receipts for paid orders
type ReceiptWorker struct {
	consumer     Consumer
	eventHandler *broker.EventHandler
	receipts     ReceiptGenerator
	events       EventLog
	logger       *zap.Logger
}

// NewReceiptWorker creates a new receipt worker
func NewReceiptWorker(consumer Consumer, receipts ReceiptGenerator, events EventLog) *ReceiptWorker {
	w := &ReceiptWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		receipts:     receipts,
		events:       events,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnOrderPaid(w.HandleOrderPaid)
	return w
}

// Start consumes order events until ctx is cancelled
func (w *ReceiptWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting receipt worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer
func (w *ReceiptWorker) Stop() error {
	w.logger.Info("Stopping receipt worker")
	return w.consumer.Close()
}

// HandleOrderPaid generates and dispatches the receipt for a paid order.
// Receipt delivery is best effort: failures are logged and the event is
// still acknowledged.
func (w *ReceiptWorker) HandleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	ctx, span := util.StartSpan(ctx, "ReceiptWorker.HandleOrderPaid")
	defer span.End()

	if event.EventID != "" {
		processed, err := w.events.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			w.logger.Warn("Failed to check processed events", zap.String("event_id", event.EventID), zap.Error(err))
		} else if processed {
			w.logger.Debug("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	receipt, emailSent, whatsappSent, err := w.receipts.GenerateAndSendReceipt(ctx, event.OrderID)
	if err != nil {
		w.logger.Error("Failed to generate receipt",
			zap.String("order_id", event.OrderID),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
	} else {
		w.logger.Info("Receipt issued",
			zap.String("order_id", event.OrderID),
			zap.String("receipt_number", receipt.ReceiptNumber),
			zap.Bool("email_sent", emailSent),
			zap.Bool("whatsapp_sent", whatsappSent))
	}

	if event.EventID != "" {
		if err := w.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			w.logger.Warn("Failed to mark event processed", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}
	return nil
}
