package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/pesapal"
	"checkout-service/internal/store"
)

// Store is the repository plus transaction support. *store.Store satisfies it.
type Store interface {
	store.Repository
	WithinTx(ctx context.Context, fn func(r store.Repository) error) error
}

// Gateway is the subset of the Pesapal client the orchestrator uses.
type Gateway interface {
	SubmitOrderRequest(ctx context.Context, req *pesapal.SubmitOrderRequest) (*pesapal.SubmitOrderResponse, error)
	GetTransactionStatus(ctx context.Context, trackingID string) (*pesapal.TransactionStatus, error)
	RegisterIPN(ctx context.Context, ipnURL, notificationType string) (string, error)
}

// EventPublisher is satisfied by broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error
	PublishPaymentRejected(ctx context.Context, event *models.PaymentRejectedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// IPNGuard drops duplicate IPN deliveries. redisclient.IPNGuard satisfies it.
type IPNGuard interface {
	CheckAndMark(ctx context.Context, trackingID, notificationType string) (bool, error)
	Release(ctx context.Context, trackingID, notificationType string) error
}

// Locker serialises work on one key across instances. redisclient.Client satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}
