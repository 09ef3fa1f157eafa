package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"

	receiptPrefix      = "SL_"
	maxNumberAttempts  = 20
	receiptNumberChars = 8
)

// Store is the data access the receipt service needs.
type Store interface {
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	GetCustomer(ctx context.Context, id int64) (*models.Customer, error)
	GetReceiptByOrderID(ctx context.Context, orderID int64) (*models.Receipt, error)
	ReceiptNumberExists(ctx context.Context, number string) (bool, error)
	CreateReceipt(ctx context.Context, receipt *models.Receipt) error
	UpdateReceipt(ctx context.Context, receipt *models.Receipt) error
}

// Message is one receipt delivery on one channel.
type Message struct {
	Receipt   *models.Receipt
	Order     *models.Order
	Customer  *models.Customer
	Recipient string
}

// Channel delivers a receipt to a customer.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

type Service struct {
	store    Store
	email    Channel
	whatsapp Channel
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates the receipt service. A nil channel is never used.
func NewService(st Store, email, whatsapp Channel) *Service {
	return &Service{
		store:    st,
		email:    email,
		whatsapp: whatsapp,
		now:      time.Now,
		logger:   util.GetLogger().Named("notify"),
	}
}

// ReceiptNumber derives the base receipt number from an order id.
func ReceiptNumber(orderID string) string {
	compact := strings.ToUpper(strings.ReplaceAll(orderID, "-", ""))
	if len(compact) > receiptNumberChars {
		compact = compact[:receiptNumberChars]
	}
	return receiptPrefix + compact
}

// GenerateAndSendReceipt gets or creates the order's receipt and delivers it
// on each channel that has not succeeded yet. Delivery failures are logged
// and reported through the sent flags only.
func (s *Service) GenerateAndSendReceipt(ctx context.Context, orderID string) (*models.Receipt, bool, bool, error) {
	ctx, span := util.StartSpan(ctx, "NotifyService.GenerateAndSendReceipt")
	defer span.End()

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, false, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusDelivered {
		return nil, false, false, apperr.Newf(apperr.KindStateConflict, "order %s is %s, receipts are issued for paid orders", orderID, order.Status)
	}

	receipt, err := s.getOrCreateReceipt(ctx, order)
	if err != nil {
		util.ReceiptsTotal.WithLabelValues("error").Inc()
		return nil, false, false, err
	}

	var customer *models.Customer
	if order.CustomerID != nil {
		customer, err = s.store.GetCustomer(ctx, *order.CustomerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return receipt, receipt.EmailSent, receipt.WhatsAppSent, fmt.Errorf("failed to load customer: %w", err)
		}
	}
	if customer == nil {
		s.logger.Info("Receipt has no customer to deliver to", zap.String("receipt", receipt.ReceiptNumber))
		return receipt, receipt.EmailSent, receipt.WhatsAppSent, nil
	}

	var deliveryErr error
	changed := false
	now := s.now()

	if !receipt.EmailSent && customer.Email != "" && s.email != nil {
		msg := Message{Receipt: receipt, Order: order, Customer: customer, Recipient: customer.Email}
		if err := s.email.Send(ctx, msg); err != nil {
			deliveryErr = multierr.Append(deliveryErr, fmt.Errorf("email: %w", err))
		} else {
			receipt.EmailSent = true
			receipt.EmailSentAt = &now
			changed = true
			util.ReceiptsTotal.WithLabelValues("email_sent").Inc()
		}
	}

	if !receipt.WhatsAppSent && customer.Phone != "" && s.whatsapp != nil {
		msg := Message{Receipt: receipt, Order: order, Customer: customer, Recipient: customer.Phone}
		if err := s.whatsapp.Send(ctx, msg); err != nil {
			deliveryErr = multierr.Append(deliveryErr, fmt.Errorf("whatsapp: %w", err))
		} else {
			receipt.WhatsAppSent = true
			receipt.WhatsAppSentAt = &now
			changed = true
			util.ReceiptsTotal.WithLabelValues("whatsapp_sent").Inc()
		}
	}

	if changed {
		if err := s.store.UpdateReceipt(ctx, receipt); err != nil {
			deliveryErr = multierr.Append(deliveryErr, fmt.Errorf("record delivery: %w", err))
		}
	}

	if deliveryErr != nil {
		util.ReceiptsTotal.WithLabelValues("delivery_failed").Inc()
		s.logger.Warn("Receipt delivery incomplete",
			zap.String("order_id", order.OrderID),
			zap.String("receipt", receipt.ReceiptNumber),
			zap.Errors("errors", multierr.Errors(deliveryErr)))
	}

	return receipt, receipt.EmailSent, receipt.WhatsAppSent, nil
}

func (s *Service) getOrCreateReceipt(ctx context.Context, order *models.Order) (*models.Receipt, error) {
	receipt, err := s.store.GetReceiptByOrderID(ctx, order.ID)
	if err == nil {
		return receipt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}

	base := ReceiptNumber(order.OrderID)
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		number := base
		if attempt > 0 {
			number = fmt.Sprintf("%s_%d", base, attempt)
		}

		exists, err := s.store.ReceiptNumberExists(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("failed to check receipt number: %w", err)
		}
		if exists {
			continue
		}

		receipt = &models.Receipt{OrderID: order.ID, ReceiptNumber: number}
		err = s.store.CreateReceipt(ctx, receipt)
		if errors.Is(err, store.ErrDuplicateReceiptNumber) {
			continue
		}
		if err != nil {
			// a concurrent worker may have created the receipt for this order
			if existing, getErr := s.store.GetReceiptByOrderID(ctx, order.ID); getErr == nil {
				return existing, nil
			}
			return nil, fmt.Errorf("failed to create receipt: %w", err)
		}

		util.ReceiptsTotal.WithLabelValues("created").Inc()
		s.logger.Info("Receipt created",
			zap.String("order_id", order.OrderID),
			zap.String("receipt", number))
		return receipt, nil
	}
	return nil, apperr.Newf(apperr.KindFatal, "could not allocate a receipt number for order %s", order.OrderID)
}
