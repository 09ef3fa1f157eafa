package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/lifecycle"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const confirmLockTTL = 30 * time.Second

// OrderService coordinates order, inventory unit, reservation and return state
type OrderService struct {
	store             Store
	locker            Locker
	eventPublisher    EventPublisher
	reservationPeriod time.Duration
	now               func() time.Time
	logger            *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(st Store, locker Locker, eventPublisher EventPublisher, reservationPeriod time.Duration) *OrderService {
	if reservationPeriod <= 0 {
		reservationPeriod = 48 * time.Hour
	}
	return &OrderService{
		store:             st,
		locker:            locker,
		eventPublisher:    eventPublisher,
		reservationPeriod: reservationPeriod,
		now:               time.Now,
		logger:            util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID     *int64             `json:"customer_id"`
	UserID         *int64             `json:"user_id"`
	OrderSource    string             `json:"order_source" binding:"omitempty,oneof=ONLINE WALK_IN"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	UnitID   int64 `json:"unit_id" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,min=1"`
}

// OrderView is an order with its items
type OrderView struct {
	*models.Order
	Items []models.OrderItem `json:"items"`
}

// CreateOrder places an order: units are locked and moved with ORDER_PLACED,
// the total is computed from current selling prices and the order is stored
// PENDING, all in one transaction. A repeated idempotency key returns the
// original order.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if view, err := s.orderByIdempotencyKey(ctx, key); err == nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", key),
				zap.String("order_id", view.OrderID))
			return view, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	source := req.OrderSource
	if source == "" {
		source = models.OrderSourceOnline
	}
	if source != models.OrderSourceOnline && source != models.OrderSourceWalkIn {
		return nil, apperr.Newf(apperr.KindValidation, "unknown order source %q", req.OrderSource)
	}

	quantities, unitIDs, err := mergeItems(req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	order := &models.Order{
		OrderID:     uuid.New().String(),
		CustomerID:  req.CustomerID,
		UserID:      req.UserID,
		Status:      models.OrderStatusPending,
		OrderSource: source,
	}
	if key != "" {
		order.IdempotencyKey = &key
	}
	var items []models.OrderItem

	err = s.store.WithinTx(ctx, func(r store.Repository) error {
		units, err := lockUnits(ctx, r, unitIDs)
		if err != nil {
			return err
		}

		plans := make([]unitPlan, 0, len(unitIDs))
		total := decimal.Zero
		items = items[:0]
		for _, id := range unitIDs {
			unit := units[id]
			qty := quantities[id]

			ev := lifecycle.UnitEvent{Kind: lifecycle.UnitOrderPlaced, Source: source, Quantity: qty}
			if unit.IsAccessory {
				demand, err := r.AccessoryDemand(ctx, unit.ID)
				if err != nil {
					return err
				}
				ev.Available = unit.Quantity - demand
			} else if qty != 1 {
				return apperr.Newf(apperr.KindValidation, "unit %d is a unique item, quantity must be 1", unit.ID)
			}

			plan, err := planUnit(unit, ev)
			if err != nil {
				return err
			}
			plans = append(plans, plan)

			item := models.OrderItem{UnitID: unit.ID, Quantity: qty, UnitPriceAtPurchase: unit.SellingPrice}
			total = total.Add(item.SubTotal())
			items = append(items, item)
		}

		if _, err := applyPlans(ctx, r, plans); err != nil {
			return err
		}

		order.TotalAmount = total
		if err := r.CreateOrder(ctx, order); err != nil {
			return err
		}
		for i := range items {
			items[i].OrderID = order.ID
			if err := r.CreateOrderItem(ctx, &items[i]); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// lost the race against a concurrent request with the same key
		return s.orderByIdempotencyKey(ctx, key)
	}
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(source).Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.OrderID),
		zap.String("source", source),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	eventItems := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		eventItems = append(eventItems, models.OrderItemData{
			UnitID:    item.UnitID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPriceAtPurchase,
		})
	}
	if err := s.eventPublisher.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		OrderID:     order.OrderID,
		OrderSource: order.OrderSource,
		TotalAmount: order.TotalAmount,
		Items:       eventItems,
	}); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &OrderView{Order: order, Items: items}, nil
}

func mergeItems(reqItems []OrderItemRequest) (map[int64]int, []int64, error) {
	if len(reqItems) == 0 {
		return nil, nil, apperr.New(apperr.KindValidation, "order must contain at least one item")
	}
	quantities := make(map[int64]int, len(reqItems))
	ids := make([]int64, 0, len(reqItems))
	for _, item := range reqItems {
		if item.UnitID <= 0 || item.Quantity <= 0 {
			return nil, nil, apperr.Newf(apperr.KindValidation, "invalid item: unit %d quantity %d", item.UnitID, item.Quantity)
		}
		if _, ok := quantities[item.UnitID]; !ok {
			ids = append(ids, item.UnitID)
		}
		quantities[item.UnitID] += item.Quantity
	}
	return quantities, ids, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "unit_unavailable"
	case apperr.Is(err, apperr.KindValidation), apperr.Is(err, apperr.KindNotFound):
		return "invalid_items"
	}
	return "db_error"
}

func (s *OrderService) orderByIdempotencyKey(ctx context.Context, key string) (*OrderView, error) {
	order, err := s.store.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Items: items}, nil
}

// GetOrder retrieves an order and its items by public order id
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, notFound(err, "order %s not found", orderID)
	}
	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Items: items}, nil
}

// ConfirmResult reports the outcome of a manual payment confirmation
type ConfirmResult struct {
	Order        *models.Order `json:"order"`
	AlreadyPaid  bool          `json:"already_paid"`
	UnitsUpdated int           `json:"units_updated"`
	Message      string        `json:"message"`
}

// ConfirmPayment records a CASH payment taken by staff. Gateway payments are
// confirmed only through verified IPN or status polling.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID, method string) (*ConfirmResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPayment")
	defer span.End()

	if !strings.EqualFold(strings.TrimSpace(method), models.PaymentMethodCash) {
		return nil, apperr.New(apperr.KindValidation, "only CASH payments can be confirmed manually; gateway payments are confirmed automatically")
	}

	lockKey := "confirm:" + orderID
	acquired, err := s.locker.AcquireLock(ctx, lockKey, confirmLockTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetryable, err, "failed to acquire confirmation lock")
	}
	if !acquired {
		return nil, apperr.Newf(apperr.KindStateConflict, "payment confirmation for order %s is already in progress", orderID)
	}
	defer func() {
		if err := s.locker.ReleaseLock(ctx, lockKey); err != nil {
			s.logger.Warn("Failed to release confirmation lock", zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	result := &ConfirmResult{}
	err = s.store.WithinTx(ctx, func(r store.Repository) error {
		order, err := r.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return notFound(err, "order %s not found", orderID)
		}
		result.Order = order

		tr, err := lifecycle.Order(order.Status, lifecycle.OrderPaymentConfirmed)
		if err != nil {
			return apperr.Wrap(apperr.KindStateConflict, err, fmt.Sprintf("order %s cannot be confirmed", orderID))
		}
		if tr.AlreadyApplied {
			result.AlreadyPaid = true
			result.Message = "Order is already paid"
			return nil
		}

		items, err := r.GetOrderItems(ctx, order.ID)
		if err != nil {
			return err
		}
		if tr.Has(lifecycle.EffectConfirmUnits) {
			changed, err := confirmUnits(ctx, r, order, items)
			if err != nil {
				return err
			}
			result.UnitsUpdated = changed
		}

		if err := r.UpdateOrderStatus(ctx, order.ID, tr.To); err != nil {
			return err
		}
		order.Status = tr.To
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyPaid {
		return result, nil
	}

	if result.UnitsUpdated == 0 {
		result.Message = "Payment confirmed; no units updated"
	} else {
		result.Message = fmt.Sprintf("Payment confirmed; %d units marked sold", result.UnitsUpdated)
	}

	order := result.Order
	util.OrdersPaidTotal.WithLabelValues(order.OrderSource).Inc()
	util.PaymentCompletionsTotal.WithLabelValues("cash").Inc()
	s.logger.Info("Cash payment confirmed",
		zap.String("order_id", order.OrderID),
		zap.Int("units_updated", result.UnitsUpdated))

	if err := s.eventPublisher.PublishOrderPaid(ctx, &models.OrderPaidEvent{
		OrderID:       order.OrderID,
		Amount:        order.TotalAmount,
		PaymentMethod: models.PaymentMethodCash,
		Source:        "cash",
	}); err != nil {
		s.logger.Error("Failed to publish OrderPaid event", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	return result, nil
}

// CancelOrder moves an order to CANCELED and puts its units back: unique
// units return to AVAILABLE (online) or RESERVED (walk-in).
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	var (
		order    *models.Order
		previous string
		restored []int64
	)
	err := s.store.WithinTx(ctx, func(r store.Repository) error {
		var err error
		order, err = r.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return notFound(err, "order %s not found", orderID)
		}

		tr, err := lifecycle.Order(order.Status, lifecycle.OrderCancel)
		if err != nil {
			return apperr.Wrap(apperr.KindStateConflict, err, fmt.Sprintf("order %s cannot be cancelled", orderID))
		}
		previous = order.Status
		wasPaid := previous == models.OrderStatusPaid || previous == models.OrderStatusDelivered

		items, err := r.GetOrderItems(ctx, order.ID)
		if err != nil {
			return err
		}
		if tr.Has(lifecycle.EffectRestoreUnits) {
			restored, err = restoreUnits(ctx, r, order, items, wasPaid)
			if err != nil {
				return err
			}
		}

		if err := s.cancelPendingPayment(ctx, r, order.ID); err != nil {
			return err
		}

		if err := r.UpdateOrderStatus(ctx, order.ID, tr.To); err != nil {
			return err
		}
		order.Status = tr.To
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", order.OrderID),
		zap.String("previous_status", previous),
		zap.Int64s("restored_units", restored))

	if err := s.eventPublisher.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
		OrderID:       order.OrderID,
		PreviousState: previous,
		RestoredUnits: restored,
	}); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}
	return order, nil
}

func (s *OrderService) cancelPendingPayment(ctx context.Context, r store.Repository, orderID int64) error {
	latest, err := r.GetLatestPayment(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	payment, err := r.GetPaymentForUpdate(ctx, latest.ID)
	if err != nil {
		return err
	}
	tr, err := lifecycle.Payment(payment.Status, lifecycle.PaymentGatewayCancelled)
	if err != nil || tr.AlreadyTerminal {
		return err
	}
	payment.Status = tr.To
	payment.FailureReason = "order cancelled"
	return r.UpdatePayment(ctx, payment)
}

// ApproveReservation approves a PENDING reservation request. APPROVED
// reservations on the same units are expired first, and units still held by
// their salespeople are released, in the same transaction.
func (s *OrderService) ApproveReservation(ctx context.Context, requestID, approverID int64) (*models.ReservationRequest, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApproveReservation")
	defer span.End()

	var request *models.ReservationRequest
	var expired []int64
	err := s.store.WithinTx(ctx, func(r store.Repository) error {
		var err error
		request, err = r.GetReservationForUpdate(ctx, requestID)
		if err != nil {
			return notFound(err, "reservation request %d not found", requestID)
		}
		if request.Status != models.ReservationStatusPending {
			return apperr.Newf(apperr.KindStateConflict, "reservation request %d is %s", requestID, request.Status)
		}
		if len(request.Units) == 0 {
			return apperr.Newf(apperr.KindValidation, "reservation request %d has no units", requestID)
		}

		unitIDs := make([]int64, 0, len(request.Units))
		for _, u := range request.Units {
			unitIDs = append(unitIDs, u.UnitID)
		}

		// Lock units before listing approvals: the listing must see any
		// approval committed while we waited on the locks.
		units, err := lockUnits(ctx, r, dedupe(unitIDs))
		if err != nil {
			return err
		}
		prior, err := r.ListApprovedReservations(ctx, unitIDs)
		if err != nil {
			return err
		}
		var extra []int64
		for _, p := range prior {
			for _, u := range p.Units {
				if _, ok := units[u.UnitID]; !ok {
					extra = append(extra, u.UnitID)
				}
			}
		}
		if len(extra) > 0 {
			more, err := lockUnits(ctx, r, dedupe(extra))
			if err != nil {
				return err
			}
			for id, u := range more {
				units[id] = u
			}
		}

		for i := range prior {
			p := &prior[i]
			if p.ID == request.ID {
				continue
			}
			holder := p.SalespersonID
			for _, u := range p.Units {
				if err := applyUnit(ctx, r, units[u.UnitID], lifecycle.UnitEvent{
					Kind:       lifecycle.UnitReservationExpired,
					Quantity:   u.Quantity,
					ReservedBy: &holder,
				}); err != nil {
					return err
				}
			}
			p.Status = models.ReservationStatusExpired
			if err := r.UpdateReservation(ctx, p); err != nil {
				return err
			}
			expired = append(expired, p.ID)
		}

		now := s.now()
		until := now.Add(s.reservationPeriod)
		holder := request.SalespersonID
		plans := make([]unitPlan, 0, len(request.Units))
		for _, u := range request.Units {
			unit := units[u.UnitID]
			ev := lifecycle.UnitEvent{
				Kind:          lifecycle.UnitReservationApproved,
				Quantity:      u.Quantity,
				ReservedBy:    &holder,
				ReservedUntil: &until,
			}
			if unit.IsAccessory {
				demand, err := r.AccessoryDemand(ctx, unit.ID)
				if err != nil {
					return err
				}
				ev.Available = unit.Quantity - demand
			} else if unit.SaleStatus == models.UnitStatusReserved && unit.ReservedByID != nil && *unit.ReservedByID != holder {
				return apperr.Newf(apperr.KindStateConflict,
					"unit %d is held by salesperson %d without an approved reservation", unit.ID, *unit.ReservedByID)
			}
			plan, err := planUnit(unit, ev)
			if err != nil {
				return err
			}
			plans = append(plans, plan)
		}
		if _, err := applyPlans(ctx, r, plans); err != nil {
			return err
		}

		request.Status = models.ReservationStatusApproved
		request.ApprovedByID = &approverID
		request.ApprovedAt = &now
		request.ExpiresAt = &until
		return r.UpdateReservation(ctx, request)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reservation approved",
		zap.Int64("request_id", request.ID),
		zap.Int64("salesperson_id", request.SalespersonID),
		zap.Int64s("expired_requests", expired))
	return request, nil
}

// ApproveReturn hands reserved or returned units back to stock. Accessory
// quantity held by the requester's approved reservations is restored and
// those reservations are closed as RETURNED.
func (s *OrderService) ApproveReturn(ctx context.Context, returnID, approverID int64) (*models.ReturnRequest, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApproveReturn")
	defer span.End()

	var ret *models.ReturnRequest
	err := s.store.WithinTx(ctx, func(r store.Repository) error {
		var err error
		ret, err = r.GetReturnForUpdate(ctx, returnID)
		if err != nil {
			return notFound(err, "return request %d not found", returnID)
		}
		if ret.Status != models.ReturnStatusPending {
			return apperr.Newf(apperr.KindStateConflict, "return request %d is %s", returnID, ret.Status)
		}
		if len(ret.UnitIDs) == 0 {
			return apperr.Newf(apperr.KindValidation, "return request %d has no units", returnID)
		}

		related, err := r.ListApprovedReservations(ctx, ret.UnitIDs)
		if err != nil {
			return err
		}
		returning := make(map[int64]bool, len(ret.UnitIDs))
		for _, id := range ret.UnitIDs {
			returning[id] = true
		}
		restore := make(map[int64]int)
		var closing []*models.ReservationRequest
		for i := range related {
			p := &related[i]
			if p.SalespersonID != ret.RequestedByID {
				continue
			}
			closing = append(closing, p)
			for _, u := range p.Units {
				if returning[u.UnitID] {
					restore[u.UnitID] += u.Quantity
				}
			}
		}

		units, err := lockUnits(ctx, r, ret.UnitIDs)
		if err != nil {
			return err
		}
		plans := make([]unitPlan, 0, len(ret.UnitIDs))
		for _, id := range ret.UnitIDs {
			unit := units[id]
			ev := lifecycle.UnitEvent{Kind: lifecycle.UnitReturnApproved}
			if unit.IsAccessory {
				ev.Quantity = restore[id]
			}
			plan, err := planUnit(unit, ev)
			if err != nil {
				return err
			}
			plans = append(plans, plan)
		}
		if _, err := applyPlans(ctx, r, plans); err != nil {
			return err
		}

		for _, p := range closing {
			p.Status = models.ReservationStatusReturned
			if err := r.UpdateReservation(ctx, p); err != nil {
				return err
			}
		}

		now := s.now()
		ret.Status = models.ReturnStatusApproved
		ret.ApprovedByID = &approverID
		ret.ApprovedAt = &now
		return r.UpdateReturn(ctx, ret)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Return approved", zap.Int64("return_id", ret.ID), zap.Int64s("units", ret.UnitIDs))
	return ret, nil
}

// FixReport summarises a FixPendingPaymentUnits run
type FixReport struct {
	DryRun        bool     `json:"dry_run"`
	OrdersChecked int      `json:"orders_checked"`
	OrderIDs      []string `json:"order_ids"`
	UnitsFixed    []int64  `json:"units_fixed"`
}

// FixPendingPaymentUnits moves unique units of PAID orders that were left in
// PENDING_PAYMENT to SOLD. With dryRun nothing is written.
func (s *OrderService) FixPendingPaymentUnits(ctx context.Context, dryRun bool) (*FixReport, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.FixPendingPaymentUnits")
	defer span.End()

	orders, err := s.store.ListPaidOrdersWithPendingUnits(ctx)
	if err != nil {
		return nil, err
	}

	report := &FixReport{DryRun: dryRun, OrdersChecked: len(orders), OrderIDs: []string{}, UnitsFixed: []int64{}}
	for _, o := range orders {
		var fixed []int64
		err := s.store.WithinTx(ctx, func(r store.Repository) error {
			fixed = fixed[:0]
			order, err := r.GetOrderForUpdate(ctx, o.OrderID)
			if err != nil {
				return err
			}
			if order.Status != models.OrderStatusPaid {
				return nil
			}
			items, err := r.GetOrderItems(ctx, order.ID)
			if err != nil {
				return err
			}
			units, err := lockUnits(ctx, r, itemUnitIDs(items))
			if err != nil {
				return err
			}

			var plans []unitPlan
			for _, item := range items {
				unit := units[item.UnitID]
				if unit.IsAccessory || unit.SaleStatus != models.UnitStatusPendingPayment {
					continue
				}
				plan, err := planUnit(unit, lifecycle.UnitEvent{
					Kind:     lifecycle.UnitPaymentConfirmed,
					Source:   order.OrderSource,
					Quantity: item.Quantity,
				})
				if err != nil {
					return err
				}
				plans = append(plans, plan)
				fixed = append(fixed, unit.ID)
			}
			if dryRun {
				return nil
			}
			_, err = applyPlans(ctx, r, plans)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("failed to fix order %s: %w", o.OrderID, err)
		}
		if len(fixed) > 0 {
			report.OrderIDs = append(report.OrderIDs, o.OrderID)
			report.UnitsFixed = append(report.UnitsFixed, fixed...)
		}
	}

	s.logger.Info("Pending payment unit fix finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("orders_checked", report.OrdersChecked),
		zap.Int("units_fixed", len(report.UnitsFixed)))
	return report, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
