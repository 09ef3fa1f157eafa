package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated             = "ORDER_CREATED"
	EventTypeOrderPaid                = "ORDER_PAID"
	EventTypeOrderCancelled           = "ORDER_CANCELLED"
	EventTypePaymentInitiated         = "PAYMENT_INITIATED"
	EventTypePaymentRejected          = "PAYMENT_REJECTED"
	EventTypePaymentFailed            = "PAYMENT_FAILED"
	EventTypeReceiptDeliveryRequested = "RECEIPT_DELIVERY_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order and its unit transitions commit
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	OrderSource string          `json:"order_source"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published once an order is PAID; drives receipt dispatch
type OrderPaidEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	TrackingID    string          `json:"tracking_id,omitempty"`
	Source        string          `json:"source"`
}

// OrderCancelledEvent published when an order is canceled and units restored
type OrderCancelledEvent struct {
	BaseEvent
	OrderID       string  `json:"order_id"`
	PreviousState string  `json:"previous_status"`
	RestoredUnits []int64 `json:"restored_units"`
}

// PaymentInitiatedEvent published after the gateway accepted an order request
type PaymentInitiatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	TrackingID  string          `json:"tracking_id"`
	Amount      decimal.Decimal `json:"amount"`
	RedirectURL string          `json:"redirect_url"`
}

// PaymentRejectedEvent published when the reported amount does not match the order
type PaymentRejectedEvent struct {
	BaseEvent
	OrderID        string          `json:"order_id"`
	TrackingID     string          `json:"tracking_id"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	ReportedAmount decimal.Decimal `json:"reported_amount"`
}

// PaymentFailedEvent published when a payment attempt ends without completing the order
type PaymentFailedEvent struct {
	BaseEvent
	OrderID    string `json:"order_id"`
	TrackingID string `json:"tracking_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// ReceiptDeliveryEvent asks a delivery service to send a receipt on one channel
type ReceiptDeliveryEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Channel       string          `json:"channel"`
	Recipient     string          `json:"recipient"`
	CustomerName  string          `json:"customer_name"`
	Amount        decimal.Decimal `json:"amount"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	UnitID    int64           `json:"unit_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
