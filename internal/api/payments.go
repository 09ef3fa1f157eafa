package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"checkout-service/internal/apperr"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	result, err := h.payments.InitiatePayment(c.Request.Context(), c.Param("order_id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) paymentStatus(c *gin.Context) {
	view, err := h.payments.GetPaymentStatus(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ipnParams are the fields the gateway sends on an IPN, as query parameters
// (GET) or a JSON body (POST).
type ipnParams struct {
	OrderTrackingID          string `json:"OrderTrackingId" form:"OrderTrackingId"`
	OrderMerchantReference   string `json:"OrderMerchantReference" form:"OrderMerchantReference"`
	OrderNotificationType    string `json:"OrderNotificationType" form:"OrderNotificationType"`
	PaymentStatusDescription string `json:"PaymentStatusDescription" form:"PaymentStatusDescription"`
	PaymentMethod            string `json:"PaymentMethod" form:"PaymentMethod"`
}

// handleIPN acknowledges gateway IPNs. A 500 makes the gateway redeliver, so
// it is returned only when processing failed in a way a retry can fix.
func (h *Handler) handleIPN(c *gin.Context) {
	var params ipnParams
	_ = c.ShouldBindQuery(&params)

	var payload []byte
	if c.Request.Method == http.MethodPost {
		body, err := c.GetRawData()
		if err == nil && len(body) > 0 {
			payload = body
			var fromBody ipnParams
			if json.Unmarshal(body, &fromBody) == nil {
				mergeIPN(&params, fromBody)
			}
		}
	}
	if payload == nil {
		payload, _ = json.Marshal(params)
	}

	if params.OrderTrackingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "OrderTrackingId is required",
			"status": http.StatusBadRequest,
		})
		return
	}

	_, err := h.payments.HandleIPN(c.Request.Context(), service.IPNNotification{
		TrackingID:        params.OrderTrackingID,
		MerchantReference: params.OrderMerchantReference,
		NotificationType:  params.OrderNotificationType,
		Status:            params.PaymentStatusDescription,
		PaymentMethod:     params.PaymentMethod,
		Payload:           payload,
	})

	status := http.StatusOK
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindSecurityRejection, apperr.KindValidation, apperr.KindNotFound, apperr.KindStateConflict:
			h.logger.Warn("IPN rejected",
				zap.String("tracking_id", params.OrderTrackingID),
				zap.Error(err))
		default:
			h.logger.Error("IPN processing failed",
				zap.String("tracking_id", params.OrderTrackingID),
				zap.Error(err))
			status = http.StatusInternalServerError
		}
	}

	c.JSON(status, gin.H{
		"orderNotificationType":  params.OrderNotificationType,
		"orderTrackingId":        params.OrderTrackingID,
		"orderMerchantReference": params.OrderMerchantReference,
		"status":                 status,
	})
}

func mergeIPN(dst *ipnParams, src ipnParams) {
	if src.OrderTrackingID != "" {
		dst.OrderTrackingID = src.OrderTrackingID
	}
	if src.OrderMerchantReference != "" {
		dst.OrderMerchantReference = src.OrderMerchantReference
	}
	if src.OrderNotificationType != "" {
		dst.OrderNotificationType = src.OrderNotificationType
	}
	if src.PaymentStatusDescription != "" {
		dst.PaymentStatusDescription = src.PaymentStatusDescription
	}
	if src.PaymentMethod != "" {
		dst.PaymentMethod = src.PaymentMethod
	}
}
