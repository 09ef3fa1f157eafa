// Package lifecycle holds the state transition tables for inventory units,
// orders and payments. Each function takes the current state and an event
// and returns the next state plus the side effects the caller must perform.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Effect is a side effect required by a transition.
type Effect string

const (
	EffectClearReservation        Effect = "CLEAR_RESERVATION"
	EffectSetReservation          Effect = "SET_RESERVATION"
	EffectDecrementQuantity       Effect = "DECREMENT_QUANTITY"
	EffectRestoreQuantity         Effect = "RESTORE_QUANTITY"
	EffectConfirmUnits            Effect = "CONFIRM_UNITS"
	EffectRestoreUnits            Effect = "RESTORE_UNITS"
	EffectPublishOrderPaid        Effect = "PUBLISH_ORDER_PAID"
	EffectPublishOrderCancelled   Effect = "PUBLISH_ORDER_CANCELLED"
	EffectMarkVerified            Effect = "MARK_VERIFIED"
	EffectConfirmOrder            Effect = "CONFIRM_ORDER"
	EffectRecordSecurityRejection Effect = "RECORD_SECURITY_REJECTION"
	EffectPublishPaymentFailed    Effect = "PUBLISH_PAYMENT_FAILED"
)

func hasEffect(effects []Effect, e Effect) bool {
	for _, got := range effects {
		if got == e {
			return true
		}
	}
	return false
}

// Inventory units

type UnitEventKind string

const (
	UnitOrderPlaced         UnitEventKind = "ORDER_PLACED"
	UnitPaymentConfirmed    UnitEventKind = "PAYMENT_CONFIRMED"
	UnitOrderCancelled      UnitEventKind = "ORDER_CANCELLED"
	UnitReservationApproved UnitEventKind = "RESERVATION_APPROVED"
	UnitReservationExpired  UnitEventKind = "RESERVATION_EXPIRED"
	UnitReturnApproved      UnitEventKind = "RETURN_APPROVED"
	UnitBuybackReceived     UnitEventKind = "BUYBACK_RECEIVED"
)

// UnitEvent drives a unit transition. Quantity is the requested amount for
// accessories (or the amount to restore). Available is the accessory quantity
// not yet claimed by PENDING or PAID orders.
type UnitEvent struct {
	Kind          UnitEventKind
	Source        string
	Quantity      int
	Available     int
	ReservedBy    *int64
	ReservedUntil *time.Time
}

type UnitTransition struct {
	From          string
	To            string
	Quantity      int
	ReservedByID  *int64
	ReservedUntil *time.Time
	Changed       bool
	Effects       []Effect
}

func (t UnitTransition) Has(e Effect) bool { return hasEffect(t.Effects, e) }

// Unit computes the transition of u under ev without mutating u.
func Unit(u *models.InventoryUnit, ev UnitEvent) (UnitTransition, error) {
	tr := UnitTransition{
		From:          u.SaleStatus,
		To:            u.SaleStatus,
		Quantity:      u.Quantity,
		ReservedByID:  u.ReservedByID,
		ReservedUntil: u.ReservedUntil,
	}

	var err error
	if u.IsAccessory {
		err = accessoryTransition(&tr, ev)
	} else {
		err = uniqueTransition(&tr, ev)
	}
	if err != nil {
		return UnitTransition{}, fmt.Errorf("unit %d (%s) on %s: %w", u.ID, u.SaleStatus, ev.Kind, err)
	}

	tr.Changed = tr.To != tr.From ||
		tr.Quantity != u.Quantity ||
		!sameID(tr.ReservedByID, u.ReservedByID) ||
		!sameTime(tr.ReservedUntil, u.ReservedUntil)
	return tr, nil
}

// Apply writes a transition back onto the unit. Status, quantity and
// reservation fields always move together.
func Apply(u *models.InventoryUnit, tr UnitTransition) {
	u.SaleStatus = tr.To
	u.Quantity = tr.Quantity
	u.ReservedByID = tr.ReservedByID
	u.ReservedUntil = tr.ReservedUntil
}

func uniqueTransition(tr *UnitTransition, ev UnitEvent) error {
	switch ev.Kind {
	case UnitOrderPlaced:
		switch tr.From {
		case models.UnitStatusAvailable:
			if ev.Source != models.OrderSourceOnline {
				return ErrInvalidTransition
			}
		case models.UnitStatusReserved, models.UnitStatusPendingPayment:
		default:
			return ErrInvalidTransition
		}
		if tr.Quantity != 1 {
			return fmt.Errorf("unique unit must have quantity 1: %w", ErrInvalidTransition)
		}
		tr.To = models.UnitStatusPendingPayment
		clearReservation(tr)

	case UnitPaymentConfirmed:
		if tr.From == models.UnitStatusPendingPayment {
			tr.To = models.UnitStatusSold
		}

	case UnitOrderCancelled:
		if tr.From == models.UnitStatusSold || tr.From == models.UnitStatusPendingPayment {
			tr.To = cancelTarget(ev.Source)
			clearReservation(tr)
		}

	case UnitReservationApproved:
		if tr.From != models.UnitStatusAvailable && tr.From != models.UnitStatusReserved {
			return ErrInvalidTransition
		}
		tr.To = models.UnitStatusReserved
		setReservation(tr, ev)

	case UnitReservationExpired:
		if tr.From == models.UnitStatusReserved && sameID(tr.ReservedByID, ev.ReservedBy) {
			tr.To = models.UnitStatusAvailable
			clearReservation(tr)
		}

	case UnitReturnApproved:
		if tr.From == models.UnitStatusReserved || tr.From == models.UnitStatusReturned {
			tr.To = models.UnitStatusAvailable
			clearReservation(tr)
		}

	case UnitBuybackReceived:
		if tr.From != models.UnitStatusSold {
			return ErrInvalidTransition
		}
		tr.To = models.UnitStatusReturned
		clearReservation(tr)

	default:
		return ErrInvalidTransition
	}
	return nil
}

func accessoryTransition(tr *UnitTransition, ev UnitEvent) error {
	switch ev.Kind {
	case UnitOrderPlaced:
		if tr.From == models.UnitStatusSold || tr.From == models.UnitStatusReturned {
			return ErrInvalidTransition
		}
		if ev.Quantity <= 0 {
			return fmt.Errorf("quantity must be positive: %w", ErrInvalidTransition)
		}
		if ev.Quantity > ev.Available {
			return fmt.Errorf("requested %d, available %d: %w", ev.Quantity, ev.Available, ErrInsufficientStock)
		}
		if tr.From != models.UnitStatusReserved {
			tr.To = models.UnitStatusAvailable
			clearReservation(tr)
		}

	case UnitPaymentConfirmed:
		if ev.Quantity > tr.Quantity {
			return fmt.Errorf("requested %d, on hand %d: %w", ev.Quantity, tr.Quantity, ErrInsufficientStock)
		}
		tr.Quantity -= ev.Quantity
		tr.Effects = append(tr.Effects, EffectDecrementQuantity)
		if tr.Quantity == 0 {
			tr.To = models.UnitStatusSold
		} else {
			tr.To = models.UnitStatusAvailable
		}
		clearReservation(tr)

	case UnitOrderCancelled:
		if ev.Quantity > 0 {
			tr.Quantity += ev.Quantity
			tr.Effects = append(tr.Effects, EffectRestoreQuantity)
		}
		if tr.From == models.UnitStatusPendingPayment || (tr.From == models.UnitStatusSold && tr.Quantity > 0) {
			tr.To = models.UnitStatusAvailable
			clearReservation(tr)
		}

	case UnitReservationApproved:
		if ev.Quantity <= 0 {
			return fmt.Errorf("quantity must be positive: %w", ErrInvalidTransition)
		}
		if ev.Quantity > tr.Quantity || ev.Quantity > ev.Available {
			return fmt.Errorf("requested %d, on hand %d, unclaimed %d: %w", ev.Quantity, tr.Quantity, ev.Available, ErrInsufficientStock)
		}
		tr.Quantity -= ev.Quantity
		tr.Effects = append(tr.Effects, EffectDecrementQuantity)
		if tr.Quantity == 0 {
			tr.To = models.UnitStatusReserved
			setReservation(tr, ev)
		} else {
			tr.To = models.UnitStatusAvailable
			clearReservation(tr)
		}

	case UnitReservationExpired, UnitReturnApproved:
		if ev.Quantity > 0 {
			tr.Quantity += ev.Quantity
			tr.Effects = append(tr.Effects, EffectRestoreQuantity)
		}
		if tr.Quantity > 0 && tr.From != models.UnitStatusPendingPayment {
			tr.To = models.UnitStatusAvailable
			clearReservation(tr)
		}

	default:
		return ErrInvalidTransition
	}
	return nil
}

func cancelTarget(source string) string {
	if source == models.OrderSourceWalkIn {
		return models.UnitStatusReserved
	}
	return models.UnitStatusAvailable
}

func clearReservation(tr *UnitTransition) {
	if tr.ReservedByID == nil && tr.ReservedUntil == nil {
		return
	}
	tr.ReservedByID = nil
	tr.ReservedUntil = nil
	tr.Effects = append(tr.Effects, EffectClearReservation)
}

func setReservation(tr *UnitTransition, ev UnitEvent) {
	tr.ReservedByID = ev.ReservedBy
	tr.ReservedUntil = ev.ReservedUntil
	tr.Effects = append(tr.Effects, EffectSetReservation)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Orders

type OrderEvent string

const (
	OrderPaymentConfirmed OrderEvent = "PAYMENT_CONFIRMED"
	OrderCancel           OrderEvent = "CANCEL"
	OrderDeliver          OrderEvent = "DELIVER"
)

type OrderTransition struct {
	From           string
	To             string
	AlreadyApplied bool
	Effects        []Effect
}

func (t OrderTransition) Has(e Effect) bool { return hasEffect(t.Effects, e) }

func Order(status string, ev OrderEvent) (OrderTransition, error) {
	tr := OrderTransition{From: status, To: status}

	switch ev {
	case OrderPaymentConfirmed:
		switch status {
		case models.OrderStatusPending:
			tr.To = models.OrderStatusPaid
			tr.Effects = []Effect{EffectConfirmUnits, EffectPublishOrderPaid}
		case models.OrderStatusPaid, models.OrderStatusDelivered:
			tr.AlreadyApplied = true
		default:
			return OrderTransition{}, fmt.Errorf("order %s on %s: %w", status, ev, ErrInvalidTransition)
		}

	case OrderCancel:
		if status == models.OrderStatusCanceled {
			return OrderTransition{}, fmt.Errorf("order already canceled: %w", ErrInvalidTransition)
		}
		tr.To = models.OrderStatusCanceled
		tr.Effects = []Effect{EffectRestoreUnits, EffectPublishOrderCancelled}

	case OrderDeliver:
		switch status {
		case models.OrderStatusPaid:
			tr.To = models.OrderStatusDelivered
		case models.OrderStatusDelivered:
			tr.AlreadyApplied = true
		default:
			return OrderTransition{}, fmt.Errorf("order %s on %s: %w", status, ev, ErrInvalidTransition)
		}

	default:
		return OrderTransition{}, fmt.Errorf("unknown order event %s: %w", ev, ErrInvalidTransition)
	}
	return tr, nil
}

// Payments

type PaymentEvent string

const (
	PaymentVerifiedComplete PaymentEvent = "VERIFIED_COMPLETE"
	PaymentAmountMismatch   PaymentEvent = "AMOUNT_MISMATCH"
	PaymentGatewayFailed    PaymentEvent = "GATEWAY_FAILED"
	PaymentGatewayCancelled PaymentEvent = "GATEWAY_CANCELLED"
	PaymentExpire           PaymentEvent = "EXPIRE"
)

type PaymentTransition struct {
	From            string
	To              string
	AlreadyTerminal bool
	Effects         []Effect
}

func (t PaymentTransition) Has(e Effect) bool { return hasEffect(t.Effects, e) }

// Payment computes the next payment status. Events on a terminal payment are
// no-ops so duplicate IPNs and polls never apply twice.
func Payment(status string, ev PaymentEvent) (PaymentTransition, error) {
	tr := PaymentTransition{From: status, To: status}

	switch status {
	case models.PaymentStatusCompleted, models.PaymentStatusFailed,
		models.PaymentStatusCancelled, models.PaymentStatusExpired:
		tr.AlreadyTerminal = true
		return tr, nil
	case models.PaymentStatusPending:
	default:
		return PaymentTransition{}, fmt.Errorf("unknown payment status %q: %w", status, ErrInvalidTransition)
	}

	switch ev {
	case PaymentVerifiedComplete:
		tr.To = models.PaymentStatusCompleted
		tr.Effects = []Effect{EffectMarkVerified, EffectConfirmOrder}
	case PaymentAmountMismatch:
		tr.To = models.PaymentStatusFailed
		tr.Effects = []Effect{EffectRecordSecurityRejection}
	case PaymentGatewayFailed:
		tr.To = models.PaymentStatusFailed
		tr.Effects = []Effect{EffectPublishPaymentFailed}
	case PaymentGatewayCancelled:
		tr.To = models.PaymentStatusCancelled
		tr.Effects = []Effect{EffectPublishPaymentFailed}
	case PaymentExpire:
		tr.To = models.PaymentStatusExpired
		tr.Effects = []Effect{EffectPublishPaymentFailed}
	default:
		return PaymentTransition{}, fmt.Errorf("unknown payment event %s: %w", ev, ErrInvalidTransition)
	}
	return tr, nil
}

// MapGatewayStatus maps a gateway payment_status_description to a local status.
func MapGatewayStatus(description string) string {
	switch strings.ToUpper(strings.TrimSpace(description)) {
	case "COMPLETED":
		return models.PaymentStatusCompleted
	case "FAILED", "INVALID", "REVERSED":
		return models.PaymentStatusFailed
	case "CANCELLED", "CANCELED":
		return models.PaymentStatusCancelled
	}
	return models.PaymentStatusPending
}

// EventForStatus returns the payment event for a mapped gateway status.
func EventForStatus(status string) (PaymentEvent, bool) {
	switch status {
	case models.PaymentStatusCompleted:
		return PaymentVerifiedComplete, true
	case models.PaymentStatusFailed:
		return PaymentGatewayFailed, true
	case models.PaymentStatusCancelled:
		return PaymentGatewayCancelled, true
	}
	return "", false
}

// MapPaymentMethod normalises the gateway's payment method label.
func MapPaymentMethod(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MPESA", "M-PESA":
		return models.PaymentMethodMpesa
	case "VISA":
		return models.PaymentMethodVisa
	case "MASTERCARD":
		return models.PaymentMethodMastercard
	case "AMEX", "AMERICAN EXPRESS":
		return models.PaymentMethodAmex
	case "MOBILE MONEY", "MOBILE_MONEY":
		return models.PaymentMethodMobileMoney
	case "BANK":
		return models.PaymentMethodBank
	}
	return models.PaymentMethodUnknown
}
