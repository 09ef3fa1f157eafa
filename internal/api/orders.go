package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyKeyHeader)
	}

	view, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) getOrder(c *gin.Context) {
	view, err := h.orders.GetOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type confirmPaymentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

func (h *Handler) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = models.PaymentMethodCash
	}

	result, err := h.orders.ConfirmPayment(c.Request.Context(), c.Param("order_id"), method)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type approveRequest struct {
	ApproverID int64 `json:"approver_id" binding:"required,min=1"`
}

func (h *Handler) approveReservation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reservation id", "code": "VALIDATION", "retryable": false})
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	reservation, err := h.orders.ApproveReservation(c.Request.Context(), id, req.ApproverID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservation)
}

func (h *Handler) approveReturn(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid return id", "code": "VALIDATION", "retryable": false})
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	ret, err := h.orders.ApproveReturn(c.Request.Context(), id, req.ApproverID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

func (h *Handler) fixPendingPaymentUnits(c *gin.Context) {
	dryRun := false
	if raw := c.Query("dry_run"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		dryRun = parsed
	}

	report, err := h.orders.FixPendingPaymentUnits(c.Request.Context(), dryRun)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
