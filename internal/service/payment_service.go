package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/lifecycle"
	"checkout-service/internal/models"
	"checkout-service/internal/pesapal"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	StatusNoPayment = "NO_PAYMENT"

	reasonInsufficientStock = "insufficient_stock"
	reasonOrderCanceled     = "order_canceled"
)

// PaymentConfig carries the gateway and business settings the orchestrator needs.
type PaymentConfig struct {
	NotificationID  string
	IPNURL          string
	CallbackURL     string
	Currency        string
	CountryCode     string
	PaymentExpiry   time.Duration
	AmountTolerance decimal.Decimal
}

// PaymentService orchestrates gateway payments: initiation, IPN handling,
// status polling and reconciliation of gateway status into local state.
type PaymentService struct {
	store     Store
	gateway   Gateway
	publisher EventPublisher
	ipnGuard  IPNGuard
	cfg       PaymentConfig
	now       func() time.Time
	logger    *zap.Logger

	notifMu      sync.Mutex
	registeredID string
}

// NewPaymentService creates a new payment service
func NewPaymentService(st Store, gateway Gateway, publisher EventPublisher, guard IPNGuard, cfg PaymentConfig) *PaymentService {
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	if cfg.PaymentExpiry <= 0 {
		cfg.PaymentExpiry = 24 * time.Hour
	}
	if cfg.AmountTolerance.IsZero() {
		cfg.AmountTolerance = decimal.New(1, -2)
	}
	return &PaymentService{
		store:     st,
		gateway:   gateway,
		publisher: publisher,
		ipnGuard:  guard,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CustomerInfo overrides the order's customer record for a payment.
type CustomerInfo struct {
	Email     string `json:"email" binding:"omitempty,email"`
	Phone     string `json:"phone_number"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type InitiatePaymentRequest struct {
	Customer    *CustomerInfo `json:"customer"`
	CallbackURL string        `json:"callback_url" binding:"omitempty,url"`
}

type InitiatePaymentResult struct {
	Payment     *models.Payment `json:"payment"`
	TrackingID  string          `json:"order_tracking_id"`
	RedirectURL string          `json:"redirect_url"`
	Existing    bool            `json:"existing"`
}

// InitiatePayment registers a PENDING order with the gateway and records a
// PENDING payment. An open payment with a redirect URL is returned as is, so
// repeated calls do not create duplicate gateway orders.
func (s *PaymentService) InitiatePayment(ctx context.Context, orderID string, req InitiatePaymentRequest) (*InitiatePaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePayment")
	defer span.End()

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, notFound(err, "order %s not found", orderID)
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperr.Newf(apperr.KindStateConflict, "order %s is %s, only pending orders can be paid", orderID, order.Status)
	}
	if !order.TotalAmount.IsPositive() {
		return nil, apperr.Newf(apperr.KindValidation, "order %s has no amount to pay", orderID)
	}

	existing, err := s.openPayment(ctx, order)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		util.PaymentInitiationsTotal.WithLabelValues("existing").Inc()
		return &InitiatePaymentResult{
			Payment:     existing,
			TrackingID:  existing.TrackingID,
			RedirectURL: existing.RedirectURL,
			Existing:    true,
		}, nil
	}

	callback := strings.TrimSpace(req.CallbackURL)
	if callback == "" {
		callback = s.cfg.CallbackURL
	}
	if callback == "" {
		return nil, apperr.New(apperr.KindConfiguration, "PESAPAL_CALLBACK_URL must be configured")
	}

	notification, err := s.resolveNotification(ctx)
	if err != nil {
		return nil, err
	}

	submit, err := s.buildOrderRequest(ctx, order, req.Customer, callback, notification)
	if err != nil {
		return nil, err
	}

	resp, err := s.gateway.SubmitOrderRequest(ctx, submit)
	if err != nil {
		util.PaymentInitiationsTotal.WithLabelValues("gateway_error").Inc()
		s.logger.Warn("Gateway rejected order request",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
		return nil, err
	}

	now := s.now()
	expires := now.Add(s.cfg.PaymentExpiry)
	payment := &models.Payment{
		OrderID:           order.ID,
		TrackingID:        resp.OrderTrackingID,
		MerchantReference: order.OrderID,
		Status:            models.PaymentStatusPending,
		Amount:            order.TotalAmount,
		Currency:          s.cfg.Currency,
		PaymentMethod:     models.PaymentMethodUnknown,
		RedirectURL:       resp.RedirectURL,
		CallbackURL:       callback,
		InitiatedAt:       now,
		ExpiredAt:         &expires,
	}
	if resp.MerchantReference != "" {
		payment.MerchantReference = resp.MerchantReference
	}
	if id, ok := notification.(pesapal.NotificationID); ok {
		payment.NotificationID = string(id)
	}

	if err := s.store.CreatePayment(ctx, payment); err != nil {
		winner, lookupErr := s.raceWinner(ctx, order.ID, resp.OrderTrackingID, err)
		if lookupErr != nil {
			return nil, lookupErr
		}
		util.PaymentInitiationsTotal.WithLabelValues("race_recovered").Inc()
		return &InitiatePaymentResult{
			Payment:     winner,
			TrackingID:  winner.TrackingID,
			RedirectURL: winner.RedirectURL,
			Existing:    true,
		}, nil
	}

	util.PaymentInitiationsTotal.WithLabelValues("created").Inc()
	s.logger.Info("Payment initiated",
		zap.String("order_id", order.OrderID),
		zap.String("tracking_id", payment.TrackingID),
		zap.String("amount", payment.Amount.StringFixed(2)))

	if err := s.publisher.PublishPaymentInitiated(ctx, &models.PaymentInitiatedEvent{
		OrderID:     order.OrderID,
		TrackingID:  payment.TrackingID,
		Amount:      payment.Amount,
		RedirectURL: payment.RedirectURL,
	}); err != nil {
		s.logger.Error("Failed to publish PaymentInitiated event", zap.Error(err))
	}

	return &InitiatePaymentResult{
		Payment:     payment,
		TrackingID:  payment.TrackingID,
		RedirectURL: payment.RedirectURL,
	}, nil
}

// openPayment returns the order's PENDING payment when it can be reused. A
// pending payment past its expiry is expired so a new one can be created.
func (s *PaymentService) openPayment(ctx context.Context, order *models.Order) (*models.Payment, error) {
	latest, err := s.store.GetLatestPayment(ctx, order.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if latest.Status == models.PaymentStatusCompleted {
		return nil, apperr.Newf(apperr.KindStateConflict,
			"order %s already has a completed payment (%s); refund pending", order.OrderID, latest.TrackingID)
	}
	if latest.IsTerminal() {
		return nil, nil
	}
	if latest.ExpiredAt != nil && !s.now().Before(*latest.ExpiredAt) {
		if _, err := s.fail(ctx, order, latest.ID, lifecycle.PaymentExpire, "payment expired"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if latest.RedirectURL == "" {
		return nil, apperr.Newf(apperr.KindStateConflict, "order %s has a pending payment without a redirect URL", order.OrderID)
	}
	return latest, nil
}

// raceWinner resolves a unique-constraint failure on payment insert to the
// payment that won.
func (s *PaymentService) raceWinner(ctx context.Context, orderID int64, trackingID string, insertErr error) (*models.Payment, error) {
	switch {
	case errors.Is(insertErr, store.ErrDuplicateTrackingID):
		p, err := s.store.GetPaymentByTrackingID(ctx, trackingID)
		if err == nil {
			return p, nil
		}
		fallthrough
	case errors.Is(insertErr, store.ErrDuplicatePendingPayment):
		p, err := s.store.GetLatestPayment(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load concurrent payment: %w", err)
		}
		s.logger.Info("Concurrent payment initiation resolved",
			zap.Int64("order_id", orderID),
			zap.String("tracking_id", p.TrackingID))
		return p, nil
	}
	util.PaymentInitiationsTotal.WithLabelValues("db_error").Inc()
	return nil, fmt.Errorf("failed to record payment: %w", insertErr)
}

// resolveNotification picks the IPN target: the configured notification id,
// else an id registered once for the IPN URL, else the raw IPN URL.
func (s *PaymentService) resolveNotification(ctx context.Context) (pesapal.Notification, error) {
	if id := strings.TrimSpace(s.cfg.NotificationID); id != "" {
		return pesapal.NotificationID(id), nil
	}
	ipnURL := strings.TrimSpace(s.cfg.IPNURL)
	if ipnURL == "" {
		return nil, apperr.New(apperr.KindConfiguration, "PESAPAL_NOTIFICATION_ID or PESAPAL_IPN_URL must be configured")
	}

	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	if s.registeredID != "" {
		return pesapal.NotificationID(s.registeredID), nil
	}
	id, err := s.gateway.RegisterIPN(ctx, ipnURL, "GET")
	if err != nil {
		s.logger.Warn("IPN registration failed, sending the IPN URL instead",
			zap.String("ipn_url", ipnURL),
			zap.Error(err))
		return pesapal.IPNURL(ipnURL), nil
	}
	s.registeredID = id
	return pesapal.NotificationID(id), nil
}

func (s *PaymentService) buildOrderRequest(
	ctx context.Context,
	order *models.Order,
	info *CustomerInfo,
	callback string,
	notification pesapal.Notification,
) (*pesapal.SubmitOrderRequest, error) {
	var customer CustomerInfo
	var address string
	if order.CustomerID != nil {
		c, err := s.store.GetCustomer(ctx, *order.CustomerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if c != nil {
			customer.FirstName, customer.LastName = splitName(c.Name)
			customer.Email = c.Email
			customer.Phone = c.Phone
			address = c.DeliveryAddress
		}
	}
	if info != nil {
		if info.Email != "" {
			customer.Email = info.Email
		}
		if info.Phone != "" {
			customer.Phone = info.Phone
		}
		if info.FirstName != "" {
			customer.FirstName = info.FirstName
		}
		if info.LastName != "" {
			customer.LastName = info.LastName
		}
	}

	if order.OrderSource == models.OrderSourceWalkIn && customer.Phone == "" {
		return nil, apperr.New(apperr.KindValidation, "walk-in orders require a customer phone number for online payment")
	}
	if customer.Email == "" && customer.Phone == "" {
		return nil, apperr.New(apperr.KindValidation, "customer email or phone number is required for online payment")
	}

	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(items))
	if units, err := s.store.GetUnits(ctx, itemUnitIDs(items)); err == nil {
		for _, u := range units {
			names[u.ID] = u.ProductName
		}
	}
	lines := make([]pesapal.Item, 0, len(items))
	for _, item := range items {
		lines = append(lines, pesapal.Item{
			ID:        item.UnitID,
			Name:      names[item.UnitID],
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPriceAtPurchase,
		})
	}

	return &pesapal.SubmitOrderRequest{
		ID:           order.OrderID,
		Currency:     s.cfg.Currency,
		Amount:       order.TotalAmount,
		Description:  fmt.Sprintf("Order #%s", order.OrderID),
		CallbackURL:  callback,
		Notification: notification,
		BillingAddress: pesapal.BillingAddress{
			EmailAddress: customer.Email,
			PhoneNumber:  customer.Phone,
			CountryCode:  s.cfg.CountryCode,
			FirstName:    customer.FirstName,
			LastName:     customer.LastName,
			Line1:        address,
		},
		Items: lines,
		Customer: &pesapal.Customer{
			Email:       customer.Email,
			PhoneNumber: customer.Phone,
			FirstName:   customer.FirstName,
			LastName:    customer.LastName,
		},
	}, nil
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	first, last, _ := strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}

// IPNNotification is an inbound gateway callback. Status carries the
// PaymentStatusDescription the gateway put on the IPN.
type IPNNotification struct {
	TrackingID        string
	MerchantReference string
	NotificationType  string
	Status            string
	PaymentMethod     string
	Payload           []byte
}

type IPNResult struct {
	Status         string `json:"status"`
	Duplicate      bool   `json:"duplicate"`
	UnknownPayment bool   `json:"unknown_payment"`
}

// HandleIPN records an IPN and reconciles the payment against the gateway's
// transaction status. The IPN body is never trusted for the outcome: a
// FAILED/INVALID IPN status is applied only when the status query fails.
func (s *PaymentService) HandleIPN(ctx context.Context, n IPNNotification) (result *IPNResult, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleIPN")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	trackingID := strings.TrimSpace(n.TrackingID)
	if trackingID == "" {
		return nil, apperr.New(apperr.KindValidation, "OrderTrackingId is required")
	}

	if s.ipnGuard != nil {
		first, guardErr := s.ipnGuard.CheckAndMark(ctx, trackingID, n.NotificationType)
		if guardErr != nil {
			s.logger.Warn("IPN dedupe check failed, processing anyway", zap.Error(guardErr))
		} else if !first {
			util.IPNReceivedTotal.WithLabelValues("duplicate").Inc()
			return &IPNResult{Duplicate: true}, nil
		} else {
			defer func() {
				if err != nil {
					if relErr := s.ipnGuard.Release(ctx, trackingID, n.NotificationType); relErr != nil {
						s.logger.Warn("Failed to release IPN mark", zap.Error(relErr))
					}
				}
			}()
		}
	}

	found, err := s.store.GetPaymentByTrackingID(ctx, trackingID)
	if errors.Is(err, store.ErrNotFound) {
		util.IPNReceivedTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn("IPN for unknown tracking id",
			zap.String("tracking_id", trackingID),
			zap.String("merchant_reference", n.MerchantReference))
		return &IPNResult{UnknownPayment: true}, nil
	}
	if err != nil {
		return nil, err
	}

	order, err := s.store.GetOrderByID(ctx, found.OrderID)
	if err != nil {
		return nil, err
	}

	payment, err := s.recordIPN(ctx, found.ID, n)
	if err != nil {
		return nil, err
	}

	s.logger.Info("IPN received",
		zap.String("tracking_id", trackingID),
		zap.String("order_id", order.OrderID),
		zap.String("type", n.NotificationType),
		zap.String("reported_status", n.Status),
		zap.String("payment_method", n.PaymentMethod))

	if payment.IsTerminal() {
		util.IPNReceivedTotal.WithLabelValues("already_terminal").Inc()
		return &IPNResult{Status: payment.Status}, nil
	}

	status, err := s.gateway.GetTransactionStatus(ctx, trackingID)
	if err != nil {
		if lifecycle.MapGatewayStatus(n.Status) == models.PaymentStatusFailed {
			final, failErr := s.fail(ctx, order, payment.ID, lifecycle.PaymentGatewayFailed, "gateway reported failure via IPN")
			if failErr != nil {
				return nil, failErr
			}
			util.IPNReceivedTotal.WithLabelValues("processed").Inc()
			return &IPNResult{Status: final}, nil
		}
		util.IPNReceivedTotal.WithLabelValues("status_error").Inc()
		return nil, err
	}

	final, err := s.reconcile(ctx, order, payment, status, "ipn")
	if err != nil {
		if apperr.Is(err, apperr.KindSecurityRejection) {
			util.IPNReceivedTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	util.IPNReceivedTotal.WithLabelValues("processed").Inc()
	return &IPNResult{Status: final}, nil
}

// recordIPN stores the IPN bookkeeping fields on the locked payment row and
// returns the row as locked, so a concurrent completion is never overwritten.
func (s *PaymentService) recordIPN(ctx context.Context, paymentID int64, n IPNNotification) (*models.Payment, error) {
	var payment *models.Payment
	err := s.store.WithinTx(ctx, func(r store.Repository) error {
		var err error
		payment, err = r.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		received := s.now()
		payment.IPNReceived = true
		payment.IPNReceivedAt = &received
		if len(n.Payload) > 0 {
			payment.IPNPayload = types.JSONText(n.Payload)
		}
		return r.UpdatePayment(ctx, payment)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record IPN: %w", err)
	}
	return payment, nil
}

// PaymentStatusView is the customer-facing payment state of an order.
type PaymentStatusView struct {
	OrderID       string           `json:"order_id"`
	OrderStatus   string           `json:"order_status"`
	PaymentStatus string           `json:"payment_status"`
	TrackingID    string           `json:"order_tracking_id,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	RedirectURL   string           `json:"redirect_url,omitempty"`
	IsVerified    bool             `json:"is_verified"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// GetPaymentStatus returns the order's latest payment state. A PENDING
// payment is first checked against the gateway.
func (s *PaymentService) GetPaymentStatus(ctx context.Context, orderID string) (*PaymentStatusView, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetPaymentStatus")
	defer span.End()

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, notFound(err, "order %s not found", orderID)
	}
	payment, err := s.store.GetLatestPayment(ctx, order.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &PaymentStatusView{OrderID: order.OrderID, OrderStatus: order.Status, PaymentStatus: StatusNoPayment}, nil
	}
	if err != nil {
		return nil, err
	}

	if payment.Status == models.PaymentStatusPending {
		status, err := s.gateway.GetTransactionStatus(ctx, payment.TrackingID)
		if err != nil {
			s.logger.Warn("Status poll failed, returning stored state",
				zap.String("tracking_id", payment.TrackingID),
				zap.Error(err))
		} else {
			if _, err := s.reconcile(ctx, order, payment, status, "poll"); err != nil && !apperr.Is(err, apperr.KindSecurityRejection) {
				return nil, err
			}
			if payment, err = s.store.GetPaymentByTrackingID(ctx, payment.TrackingID); err != nil {
				return nil, err
			}
			if order, err = s.store.GetOrderByID(ctx, order.ID); err != nil {
				return nil, err
			}
		}
	}

	amount := payment.Amount
	return &PaymentStatusView{
		OrderID:       order.OrderID,
		OrderStatus:   order.Status,
		PaymentStatus: payment.Status,
		TrackingID:    payment.TrackingID,
		Amount:        &amount,
		Currency:      payment.Currency,
		PaymentMethod: payment.PaymentMethod,
		RedirectURL:   payment.RedirectURL,
		IsVerified:    payment.IsVerified,
		CompletedAt:   payment.CompletedAt,
	}, nil
}

// ReconcilePending polls the gateway for PENDING payments initiated more than
// minAge ago and applies any final status. It returns how many payments left
// PENDING.
func (s *PaymentService) ReconcilePending(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ReconcilePending")
	defer span.End()

	payments, err := s.store.ListPendingPayments(ctx, s.now().Add(-minAge), limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs error
	for i := range payments {
		p := &payments[i]
		if p.ExpiredAt != nil && !s.now().Before(*p.ExpiredAt) {
			continue
		}
		order, err := s.store.GetOrderByID(ctx, p.OrderID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		status, err := s.gateway.GetTransactionStatus(ctx, p.TrackingID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("status %s: %w", p.TrackingID, err))
			continue
		}
		final, err := s.reconcile(ctx, order, p, status, "sweep")
		if err != nil && !apperr.Is(err, apperr.KindSecurityRejection) {
			errs = multierr.Append(errs, err)
			continue
		}
		if final != models.PaymentStatusPending {
			settled++
		}
	}
	return settled, errs
}

// ExpireStale marks PENDING payments past their expiry EXPIRED. The gateway
// is asked once more first so a late completion is not lost.
func (s *PaymentService) ExpireStale(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ExpireStale")
	defer span.End()

	now := s.now()
	payments, err := s.store.ListPendingPayments(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	var errs error
	for i := range payments {
		p := &payments[i]
		if p.ExpiredAt == nil || now.Before(*p.ExpiredAt) {
			continue
		}
		order, err := s.store.GetOrderByID(ctx, p.OrderID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		if status, err := s.gateway.GetTransactionStatus(ctx, p.TrackingID); err == nil &&
			lifecycle.MapGatewayStatus(status.PaymentStatusDescription) != models.PaymentStatusPending {
			if _, err := s.reconcile(ctx, order, p, status, "sweep"); err != nil && !apperr.Is(err, apperr.KindSecurityRejection) {
				errs = multierr.Append(errs, err)
			}
			continue
		}

		final, err := s.fail(ctx, order, p.ID, lifecycle.PaymentExpire, "payment expired")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if final == models.PaymentStatusExpired {
			expired++
		}
	}
	return expired, errs
}

// reconcile applies a gateway status to a payment and returns the resulting
// payment status.
func (s *PaymentService) reconcile(ctx context.Context, order *models.Order, payment *models.Payment, status *pesapal.TransactionStatus, source string) (string, error) {
	mapped := lifecycle.MapGatewayStatus(status.PaymentStatusDescription)
	switch mapped {
	case models.PaymentStatusCompleted:
		if status.Amount == nil {
			s.logger.Warn("Completed status without a usable amount, keeping payment pending",
				zap.String("tracking_id", payment.TrackingID),
				zap.String("order_id", order.OrderID))
			return models.PaymentStatusPending, nil
		}
		return s.complete(ctx, order, payment.ID, status, source)

	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		ev, _ := lifecycle.EventForStatus(mapped)
		reason := status.Description
		if reason == "" {
			reason = "gateway reported " + strings.ToLower(status.PaymentStatusDescription)
		}
		return s.fail(ctx, order, payment.ID, ev, reason)
	}
	return models.PaymentStatusPending, nil
}

// complete checks the reported amount against the locked order total, then
// marks the payment COMPLETED and moves the order to PAID in one
// transaction, then publishes ORDER_PAID.
func (s *PaymentService) complete(ctx context.Context, order *models.Order, paymentID int64, status *pesapal.TransactionStatus, source string) (string, error) {
	var (
		payment   *models.Payment
		expected  decimal.Decimal
		orderPaid bool
		rejected  bool
		problem   string
	)
	err := s.store.WithinTx(ctx, func(r store.Repository) error {
		orderPaid, rejected, problem = false, false, ""

		var err error
		payment, err = r.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		locked, err := r.GetOrderForUpdate(ctx, order.OrderID)
		if err != nil {
			return err
		}

		ptr, err := lifecycle.Payment(payment.Status, lifecycle.PaymentVerifiedComplete)
		if err != nil {
			return err
		}
		if ptr.AlreadyTerminal {
			return nil
		}

		expected = locked.TotalAmount
		if status.Amount.Sub(expected).Abs().GreaterThan(s.cfg.AmountTolerance) {
			mtr, err := lifecycle.Payment(payment.Status, lifecycle.PaymentAmountMismatch)
			if err != nil {
				return err
			}
			payment.Status = mtr.To
			payment.FailureReason = fmt.Sprintf("amount mismatch: expected %s, reported %s",
				expected.StringFixed(2), status.Amount.StringFixed(2))
			rejected = true
			return r.UpdatePayment(ctx, payment)
		}

		now := s.now()
		payment.Status = ptr.To
		payment.IsVerified = true
		payment.VerifiedAt = &now
		payment.CompletedAt = &now
		payment.PaymentMethod = lifecycle.MapPaymentMethod(status.PaymentMethod)
		payment.PaymentAccount = status.PaymentAccount
		payment.GatewayPaymentID = status.PaymentID
		payment.PaymentReference = status.PaymentReference
		if payment.PaymentReference == "" {
			payment.PaymentReference = status.ConfirmationCode
		}
		if err := r.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		otr, err := lifecycle.Order(locked.Status, lifecycle.OrderPaymentConfirmed)
		if err != nil {
			problem = reasonOrderCanceled
			return nil
		}
		if otr.AlreadyApplied {
			return nil
		}

		items, err := r.GetOrderItems(ctx, locked.ID)
		if err != nil {
			return err
		}
		if _, err := confirmUnits(ctx, r, locked, items); err != nil {
			if errors.Is(err, lifecycle.ErrInsufficientStock) {
				problem = reasonInsufficientStock
				return nil
			}
			return err
		}
		if err := r.UpdateOrderStatus(ctx, locked.ID, otr.To); err != nil {
			return err
		}
		orderPaid = true
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete payment: %w", err)
	}
	if rejected {
		return s.rejectAmount(ctx, order, payment, expected, *status.Amount)
	}
	if payment.Status != models.PaymentStatusCompleted {
		return payment.Status, nil
	}

	if problem != "" {
		s.logger.Error("Payment completed but order could not be confirmed; manual refund required",
			zap.String("order_id", order.OrderID),
			zap.String("tracking_id", payment.TrackingID),
			zap.String("reason", problem))
		if err := s.publisher.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
			OrderID:    order.OrderID,
			TrackingID: payment.TrackingID,
			Status:     payment.Status,
			Reason:     problem,
		}); err != nil {
			s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
		}
		return payment.Status, nil
	}
	if !orderPaid {
		return payment.Status, nil
	}

	util.PaymentCompletionsTotal.WithLabelValues(source).Inc()
	util.OrdersPaidTotal.WithLabelValues(order.OrderSource).Inc()
	s.logger.Info("Payment completed",
		zap.String("order_id", order.OrderID),
		zap.String("tracking_id", payment.TrackingID),
		zap.String("method", payment.PaymentMethod),
		zap.String("source", source))

	if err := s.publisher.PublishOrderPaid(ctx, &models.OrderPaidEvent{
		OrderID:       order.OrderID,
		Amount:        payment.Amount,
		PaymentMethod: payment.PaymentMethod,
		TrackingID:    payment.TrackingID,
		Source:        source,
	}); err != nil {
		s.logger.Error("Failed to publish OrderPaid event", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	return payment.Status, nil
}

// rejectAmount reports a payment failed by the amount cross-check. The order
// is left untouched.
func (s *PaymentService) rejectAmount(ctx context.Context, order *models.Order, payment *models.Payment, expected, reported decimal.Decimal) (string, error) {
	util.PaymentSecurityRejectionsTotal.Inc()
	util.PaymentFailedTotal.WithLabelValues(models.PaymentStatusFailed).Inc()
	s.logger.Error("Payment amount mismatch",
		zap.String("order_id", order.OrderID),
		zap.String("tracking_id", payment.TrackingID),
		zap.String("expected", expected.StringFixed(2)),
		zap.String("reported", reported.StringFixed(2)))

	if err := s.publisher.PublishPaymentRejected(ctx, &models.PaymentRejectedEvent{
		OrderID:        order.OrderID,
		TrackingID:     payment.TrackingID,
		ExpectedAmount: expected,
		ReportedAmount: reported,
	}); err != nil {
		s.logger.Error("Failed to publish PaymentRejected event", zap.Error(err))
	}
	return models.PaymentStatusFailed, apperr.New(apperr.KindSecurityRejection, "payment amount does not match the order total")
}

// fail moves a PENDING payment to FAILED, CANCELLED or EXPIRED.
func (s *PaymentService) fail(ctx context.Context, order *models.Order, paymentID int64, ev lifecycle.PaymentEvent, reason string) (string, error) {
	var (
		payment *models.Payment
		applied bool
	)
	err := s.store.WithinTx(ctx, func(r store.Repository) error {
		var err error
		payment, err = r.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		tr, err := lifecycle.Payment(payment.Status, ev)
		if err != nil || tr.AlreadyTerminal {
			return err
		}
		payment.Status = tr.To
		payment.FailureReason = reason
		applied = true
		return r.UpdatePayment(ctx, payment)
	})
	if err != nil {
		return "", fmt.Errorf("failed to update payment: %w", err)
	}
	if !applied {
		return payment.Status, nil
	}

	util.PaymentFailedTotal.WithLabelValues(payment.Status).Inc()
	s.logger.Info("Payment closed without completion",
		zap.String("order_id", order.OrderID),
		zap.String("tracking_id", payment.TrackingID),
		zap.String("status", payment.Status),
		zap.String("reason", reason))

	if err := s.publisher.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
		OrderID:    order.OrderID,
		TrackingID: payment.TrackingID,
		Status:     payment.Status,
		Reason:     reason,
	}); err != nil {
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return payment.Status, nil
}
