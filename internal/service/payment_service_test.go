package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/pesapal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentFixture struct {
	svc     *PaymentService
	store   *memStore
	gateway *fakeGateway
	pub     *recordingPublisher
	guard   *memGuard
	clock   time.Time
}

func defaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		NotificationID: "notif-1",
		CallbackURL:    "https://shop.example.com/payment/callback",
		Currency:       "KES",
		CountryCode:    "KE",
	}
}

func newPaymentFixture(cfg PaymentConfig) *paymentFixture {
	f := &paymentFixture{
		store:   newMemStore(),
		gateway: newFakeGateway(),
		pub:     &recordingPublisher{},
		guard:   newMemGuard(),
		clock:   fixedNow,
	}
	f.svc = NewPaymentService(f.store, f.gateway, f.pub, f.guard, cfg)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

// pendingOrder seeds a PENDING order of 2500 for one unique unit held in
// PENDING_PAYMENT.
func (f *paymentFixture) pendingOrder(source string, customer *models.Customer) (*models.Order, *models.InventoryUnit) {
	unit := f.store.addUnit(models.InventoryUnit{
		ProductName:  "Pixel 8",
		SaleStatus:   models.UnitStatusPendingPayment,
		SellingPrice: decimal.NewFromInt(2500),
	})
	order := models.Order{Status: models.OrderStatusPending, OrderSource: source}
	if customer != nil {
		c := f.store.addCustomer(*customer)
		order.CustomerID = &c.ID
	}
	created := f.store.addOrder(order, models.OrderItem{UnitID: unit.ID, Quantity: 1, UnitPriceAtPurchase: decimal.NewFromInt(2500)})
	return created, unit
}

func jane() *models.Customer {
	return &models.Customer{
		Name:            "Jane Wanjiku Doe",
		Email:           "jane@example.com",
		Phone:           "+254700000001",
		DeliveryAddress: "12 Moi Avenue, Nairobi",
	}
}

func ipn(trackingID string) IPNNotification {
	return IPNNotification{
		TrackingID:        trackingID,
		NotificationType:  "IPNCHANGE",
		MerchantReference: "ref",
		Payload:           []byte(`{"OrderTrackingId":"` + trackingID + `"}`),
	}
}

func TestInitiatePaymentBuildsGatewayRequest(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, "trk-1", res.TrackingID)
	assert.Equal(t, "https://pay.example.com/iframe/1", res.RedirectURL)

	require.Len(t, f.gateway.submitted, 1)
	req := f.gateway.submitted[0]
	assert.Equal(t, order.OrderID, req.ID)
	assert.Equal(t, "Order #"+order.OrderID, req.Description)
	assert.True(t, decimal.NewFromInt(2500).Equal(req.Amount))
	assert.Equal(t, pesapal.NotificationID("notif-1"), req.Notification)
	assert.Equal(t, "Jane", req.BillingAddress.FirstName)
	assert.Equal(t, "Wanjiku Doe", req.BillingAddress.LastName)
	assert.Equal(t, "12 Moi Avenue, Nairobi", req.BillingAddress.Line1)
	assert.Equal(t, "KE", req.BillingAddress.CountryCode)
	require.Len(t, req.Items, 1)
	assert.Equal(t, "Pixel 8", req.Items[0].Name)

	p := f.store.paymentsFor(order.ID)
	require.Len(t, p, 1)
	assert.Equal(t, models.PaymentStatusPending, p[0].Status)
	assert.Equal(t, "notif-1", p[0].NotificationID)
	require.NotNil(t, p[0].ExpiredAt)
	assert.Equal(t, fixedNow.Add(24*time.Hour), *p[0].ExpiredAt)
	assert.Len(t, f.pub.initiated, 1)
}

func TestInitiatePaymentReusesOpenPayment(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

	first, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	second, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.TrackingID, second.TrackingID)
	assert.Equal(t, first.RedirectURL, second.RedirectURL)
	assert.Len(t, f.gateway.submitted, 1)
	assert.Len(t, f.store.paymentsFor(order.ID), 1)
}

func TestInitiatePaymentConcurrentInsertReturnsWinner(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	f.store.beforeCreatePayment = func() {
		winner := &models.Payment{
			OrderID:     order.ID,
			TrackingID:  "trk-winner",
			Status:      models.PaymentStatusPending,
			Amount:      order.TotalAmount,
			RedirectURL: "https://pay.example.com/iframe/winner",
			InitiatedAt: fixedNow,
		}
		require.NoError(t, f.store.CreatePayment(context.Background(), winner))
	}

	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, "trk-winner", res.TrackingID)
	assert.Len(t, f.store.paymentsFor(order.ID), 1)
	assert.Empty(t, f.pub.initiated)
}

func TestInitiatePaymentReplacesExpiredPending(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

	first, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)

	f.clock = fixedNow.Add(25 * time.Hour)
	second, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.TrackingID, second.TrackingID)

	payments := f.store.paymentsFor(order.ID)
	require.Len(t, payments, 2)
	assert.Equal(t, models.PaymentStatusExpired, payments[0].Status)
	assert.Equal(t, models.PaymentStatusPending, payments[1].Status)
}

func TestInitiatePaymentPreconditions(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())

	_, err := f.svc.InitiatePayment(context.Background(), "missing", InitiatePaymentRequest{})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	paid, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	require.NoError(t, f.store.UpdateOrderStatus(context.Background(), paid.ID, models.OrderStatusPaid))
	_, err = f.svc.InitiatePayment(context.Background(), paid.OrderID, InitiatePaymentRequest{})
	assert.Equal(t, apperr.KindStateConflict, apperr.KindOf(err))

	noContact, _ := f.pendingOrder(models.OrderSourceOnline, nil)
	_, err = f.svc.InitiatePayment(context.Background(), noContact.OrderID, InitiatePaymentRequest{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Empty(t, f.gateway.submitted)
}

func TestInitiatePaymentWalkInNeedsPhone(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceWalkIn, &models.Customer{Name: "Walk-in", Email: "walkin@example.com"})

	_, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{
		Customer: &CustomerInfo{Phone: "+254711000000"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TrackingID)
	assert.Equal(t, "+254711000000", f.gateway.submitted[0].BillingAddress.PhoneNumber)
}

func TestInitiatePaymentNotificationResolution(t *testing.T) {
	t.Run("registers the IPN URL once", func(t *testing.T) {
		cfg := defaultPaymentConfig()
		cfg.NotificationID = ""
		cfg.IPNURL = "https://shop.example.com/payments/ipn"
		f := newPaymentFixture(cfg)
		a, _ := f.pendingOrder(models.OrderSourceOnline, jane())
		b, _ := f.pendingOrder(models.OrderSourceOnline, jane())

		_, err := f.svc.InitiatePayment(context.Background(), a.OrderID, InitiatePaymentRequest{})
		require.NoError(t, err)
		_, err = f.svc.InitiatePayment(context.Background(), b.OrderID, InitiatePaymentRequest{})
		require.NoError(t, err)

		assert.Equal(t, []string{"https://shop.example.com/payments/ipn"}, f.gateway.registered)
		assert.Equal(t, pesapal.NotificationID("ipn-registered"), f.gateway.submitted[1].Notification)
	})

	t.Run("falls back to the raw IPN URL", func(t *testing.T) {
		cfg := defaultPaymentConfig()
		cfg.NotificationID = ""
		cfg.IPNURL = "https://shop.example.com/payments/ipn"
		f := newPaymentFixture(cfg)
		f.gateway.registerErr = errors.New("gateway down")
		order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

		_, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
		require.NoError(t, err)
		assert.Equal(t, pesapal.IPNURL("https://shop.example.com/payments/ipn"), f.gateway.submitted[0].Notification)
		assert.Empty(t, f.store.paymentsFor(order.ID)[0].NotificationID)
	})

	t.Run("nothing configured", func(t *testing.T) {
		cfg := defaultPaymentConfig()
		cfg.NotificationID = ""
		f := newPaymentFixture(cfg)
		order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

		_, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
		assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
		assert.Empty(t, f.gateway.submitted)
	})
}

func TestInitiatePaymentGatewayError(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	f.gateway.submitErr = apperr.New(apperr.KindRetryable, "all endpoints failed, please try again later")
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

	_, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	assert.Equal(t, apperr.KindRetryable, apperr.KindOf(err))
	assert.Empty(t, f.store.paymentsFor(order.ID))
}

func TestHandleIPNCompletesOrderExactlyOnce(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, unit := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(2500))

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)

	p := f.store.paymentsFor(order.ID)[0]
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.True(t, p.IsVerified)
	assert.True(t, p.IPNReceived)
	assert.Equal(t, models.PaymentMethodMpesa, p.PaymentMethod)
	assert.Equal(t, "QWE123RTY", p.PaymentReference)
	assert.Equal(t, models.OrderStatusPaid, f.store.order(order.ID).Status)
	assert.Equal(t, models.UnitStatusSold, f.store.unit(unit.ID).SaleStatus)

	// redelivery of the same notification is dropped
	dup, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	// a different notification type reaches a terminal payment
	other := ipn(res.TrackingID)
	other.NotificationType = "RECURRING"
	again, err := f.svc.HandleIPN(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, again.Status)

	view, err := f.svc.GetPaymentStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, view.PaymentStatus)
	assert.Equal(t, models.OrderStatusPaid, view.OrderStatus)

	require.Len(t, f.pub.paid, 1)
	assert.Equal(t, "ipn", f.pub.paid[0].Source)
	assert.Equal(t, res.TrackingID, f.pub.paid[0].TrackingID)
	assert.Equal(t, 1, f.gateway.statusCalls)
}

func TestHandleIPNAmountMismatchIsRejected(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, unit := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(1))

	_, err = f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.Error(t, err)
	assert.Equal(t, apperr.KindSecurityRejection, apperr.KindOf(err))

	p := f.store.paymentsFor(order.ID)[0]
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "amount mismatch")
	assert.False(t, p.IsVerified)
	assert.Equal(t, models.OrderStatusPending, f.store.order(order.ID).Status)
	assert.Equal(t, models.UnitStatusPendingPayment, f.store.unit(unit.ID).SaleStatus)

	require.Len(t, f.pub.rejected, 1)
	assert.True(t, decimal.NewFromInt(1).Equal(f.pub.rejected[0].ReportedAmount))
	assert.Empty(t, f.pub.paid)
	assert.False(t, f.guard.marked(res.TrackingID, "IPNCHANGE"))
}

func TestHandleIPNAmountWithinTolerance(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	reported := decimal.RequireFromString("2500.005")
	f.gateway.setStatus(res.TrackingID, "COMPLETED", &reported)

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
}

func TestHandleIPNCompletedWithoutAmountStaysPending(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.setStatus(res.TrackingID, "Completed", nil)

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, out.Status)
	assert.Equal(t, models.OrderStatusPending, f.store.order(order.ID).Status)
	assert.Empty(t, f.pub.paid)
}

func TestHandleIPNStatusQueryFailure(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.statusErr = apperr.New(apperr.KindRetryable, "all endpoints failed, please try again later")

	// a success claim in the IPN body is never trusted
	claim := ipn(res.TrackingID)
	claim.Status = "COMPLETED"
	_, err = f.svc.HandleIPN(context.Background(), claim)
	assert.Equal(t, apperr.KindRetryable, apperr.KindOf(err))
	assert.Equal(t, models.PaymentStatusPending, f.store.paymentsFor(order.ID)[0].Status)
	assert.False(t, f.guard.marked(res.TrackingID, "IPNCHANGE"))

	failed := ipn(res.TrackingID)
	failed.Status = "INVALID"
	out, err := f.svc.HandleIPN(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, out.Status)
	require.Len(t, f.pub.failed, 1)
	assert.Equal(t, models.PaymentStatusFailed, f.pub.failed[0].Status)
	assert.Equal(t, models.OrderStatusPending, f.store.order(order.ID).Status)
}

func TestHandleIPNGatewayCancelled(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.setStatus(res.TrackingID, "Cancelled", nil)

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, out.Status)
	assert.Equal(t, models.OrderStatusPending, f.store.order(order.ID).Status)

	// a fresh attempt is possible once the previous one is closed
	retry, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	assert.False(t, retry.Existing)
}

func TestHandleIPNUnknownAndInvalid(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())

	out, err := f.svc.HandleIPN(context.Background(), ipn("trk-unknown"))
	require.NoError(t, err)
	assert.True(t, out.UnknownPayment)

	_, err = f.svc.HandleIPN(context.Background(), IPNNotification{NotificationType: "IPNCHANGE"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHandleIPNForCanceledOrder(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateOrderStatus(context.Background(), order.ID, models.OrderStatusCanceled))
	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(2500))

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
	assert.Equal(t, models.OrderStatusCanceled, f.store.order(order.ID).Status)
	assert.Empty(t, f.pub.paid)
	require.Len(t, f.pub.failed, 1)
	assert.Equal(t, "order_canceled", f.pub.failed[0].Reason)
}

func TestHandleIPNAccessoryShortfallKeepsOrderPending(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	c := f.store.addCustomer(*jane())
	acc := f.store.addUnit(models.InventoryUnit{ProductName: "Earbuds", IsAccessory: true, Quantity: 2, SellingPrice: decimal.NewFromInt(500)})
	order := f.store.addOrder(models.Order{Status: models.OrderStatusPending, OrderSource: models.OrderSourceOnline, CustomerID: &c.ID},
		models.OrderItem{UnitID: acc.ID, Quantity: 2, UnitPriceAtPurchase: decimal.NewFromInt(500)})
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)

	f.store.setUnitQuantity(acc.ID, 1)
	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(1000))

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
	assert.Equal(t, models.OrderStatusPending, f.store.order(order.ID).Status)
	assert.Equal(t, 1, f.store.unit(acc.ID).Quantity)
	assert.Empty(t, f.pub.paid)
	require.Len(t, f.pub.failed, 1)
	assert.Equal(t, "insufficient_stock", f.pub.failed[0].Reason)

	// the customer has paid; a second gateway order must not be created
	_, err = f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	assert.Equal(t, apperr.KindStateConflict, apperr.KindOf(err))
	assert.Len(t, f.gateway.submitted, 1)
	assert.Len(t, f.store.paymentsFor(order.ID), 1)
}

func TestHandleIPNKeepsCompletionFromConcurrentPoll(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, unit := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(2500))

	// a status poll settles the payment after the IPN has looked it up,
	// then the gateway stops answering
	f.store.afterPaymentLookup = func() {
		view, err := f.svc.GetPaymentStatus(context.Background(), order.OrderID)
		require.NoError(t, err)
		require.Equal(t, models.PaymentStatusCompleted, view.PaymentStatus)
		f.gateway.statusErr = apperr.New(apperr.KindRetryable, "all endpoints failed, please try again later")
	}

	out, err := f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)

	p := f.store.paymentsFor(order.ID)[0]
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.True(t, p.IsVerified)
	assert.NotNil(t, p.CompletedAt)
	assert.True(t, p.IPNReceived)
	assert.Equal(t, models.OrderStatusPaid, f.store.order(order.ID).Status)
	assert.Equal(t, models.UnitStatusSold, f.store.unit(unit.ID).SaleStatus)
	require.Len(t, f.pub.paid, 1)
	assert.Equal(t, "poll", f.pub.paid[0].Source)

	f.clock = f.clock.Add(25 * time.Hour)
	expired, err := f.svc.ExpireStale(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, models.PaymentStatusCompleted, f.store.paymentsFor(order.ID)[0].Status)
}

func TestHandleIPNChecksAmountAgainstOrderTotal(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.store.setOrderTotal(order.ID, decimal.NewFromInt(3000))
	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(2500))

	_, err = f.svc.HandleIPN(context.Background(), ipn(res.TrackingID))
	assert.Equal(t, apperr.KindSecurityRejection, apperr.KindOf(err))

	p := f.store.paymentsFor(order.ID)[0]
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, "amount mismatch: expected 3000.00, reported 2500.00", p.FailureReason)
	assert.Equal(t, models.OrderStatusPending, f.store.order(order.ID).Status)
	require.Len(t, f.pub.rejected, 1)
	assert.True(t, decimal.NewFromInt(3000).Equal(f.pub.rejected[0].ExpectedAmount))
}

func TestGetPaymentStatus(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())

	view, err := f.svc.GetPaymentStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoPayment, view.PaymentStatus)

	res, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)

	view, err = f.svc.GetPaymentStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, view.PaymentStatus)
	assert.Equal(t, res.RedirectURL, view.RedirectURL)

	f.gateway.setStatus(res.TrackingID, "Completed", amountPtr(2500))
	view, err = f.svc.GetPaymentStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, view.PaymentStatus)
	assert.Equal(t, models.OrderStatusPaid, view.OrderStatus)
	assert.True(t, view.IsVerified)
	require.Len(t, f.pub.paid, 1)
	assert.Equal(t, "poll", f.pub.paid[0].Source)
}

func TestGetPaymentStatusPollFailureReturnsStoredState(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	order, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	_, err := f.svc.InitiatePayment(context.Background(), order.OrderID, InitiatePaymentRequest{})
	require.NoError(t, err)
	f.gateway.statusErr = errors.New("timeout")

	view, err := f.svc.GetPaymentStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, view.PaymentStatus)
}

func TestReconcilePending(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	paid, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	failed, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	waiting, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	for _, o := range []*models.Order{paid, failed, waiting} {
		_, err := f.svc.InitiatePayment(context.Background(), o.OrderID, InitiatePaymentRequest{})
		require.NoError(t, err)
	}
	f.gateway.setStatus("trk-1", "Completed", amountPtr(2500))
	f.gateway.setStatus("trk-2", "Failed", nil)

	f.clock = fixedNow.Add(10 * time.Minute)
	settled, err := f.svc.ReconcilePending(context.Background(), 5*time.Minute, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	assert.Equal(t, models.OrderStatusPaid, f.store.order(paid.ID).Status)
	assert.Equal(t, models.PaymentStatusFailed, f.store.paymentsFor(failed.ID)[0].Status)
	assert.Equal(t, models.PaymentStatusPending, f.store.paymentsFor(waiting.ID)[0].Status)
	require.Len(t, f.pub.paid, 1)
	assert.Equal(t, "sweep", f.pub.paid[0].Source)
}

func TestExpireStale(t *testing.T) {
	f := newPaymentFixture(defaultPaymentConfig())
	stale, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	late, _ := f.pendingOrder(models.OrderSourceOnline, jane())
	for _, o := range []*models.Order{stale, late} {
		_, err := f.svc.InitiatePayment(context.Background(), o.OrderID, InitiatePaymentRequest{})
		require.NoError(t, err)
	}
	f.gateway.setStatus("trk-2", "Completed", amountPtr(2500))

	f.clock = fixedNow.Add(25 * time.Hour)
	expired, err := f.svc.ExpireStale(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	assert.Equal(t, models.PaymentStatusExpired, f.store.paymentsFor(stale.ID)[0].Status)
	assert.Equal(t, models.OrderStatusPending, f.store.order(stale.ID).Status)
	assert.Equal(t, models.PaymentStatusCompleted, f.store.paymentsFor(late.ID)[0].Status)
	assert.Equal(t, models.OrderStatusPaid, f.store.order(late.ID).Status)
	require.Len(t, f.pub.failed, 1)
	assert.Equal(t, models.PaymentStatusExpired, f.pub.failed[0].Status)
}
