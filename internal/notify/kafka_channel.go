package notify

import (
	"context"

	"checkout-service/internal/models"
)

// ReceiptPublisher is satisfied by broker.EventPublisher.
type ReceiptPublisher interface {
	PublishReceiptDelivery(ctx context.Context, event *models.ReceiptDeliveryEvent) error
}

// KafkaChannel hands delivery to a downstream service by publishing a
// RECEIPT_DELIVERY_REQUESTED event for one channel.
type KafkaChannel struct {
	channel   string
	publisher ReceiptPublisher
}

func NewKafkaChannel(channel string, publisher ReceiptPublisher) *KafkaChannel {
	return &KafkaChannel{channel: channel, publisher: publisher}
}

func (k *KafkaChannel) Send(ctx context.Context, msg Message) error {
	return k.publisher.PublishReceiptDelivery(ctx, &models.ReceiptDeliveryEvent{
		OrderID:       msg.Order.OrderID,
		ReceiptNumber: msg.Receipt.ReceiptNumber,
		Channel:       k.channel,
		Recipient:     msg.Recipient,
		CustomerName:  msg.Customer.Name,
		Amount:        msg.Order.TotalAmount,
	})
}
