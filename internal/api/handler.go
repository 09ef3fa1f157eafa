package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	staffKeyHeader       = "X-Staff-Key"
	idempotencyKeyHeader = "Idempotency-Key"
)

// OrderAPI is satisfied by service.OrderService.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.OrderView, error)
	GetOrder(ctx context.Context, orderID string) (*service.OrderView, error)
	ConfirmPayment(ctx context.Context, orderID, method string) (*service.ConfirmResult, error)
	CancelOrder(ctx context.Context, orderID string) (*models.Order, error)
	ApproveReservation(ctx context.Context, requestID, approverID int64) (*models.ReservationRequest, error)
	ApproveReturn(ctx context.Context, returnID, approverID int64) (*models.ReturnRequest, error)
	FixPendingPaymentUnits(ctx context.Context, dryRun bool) (*service.FixReport, error)
}

// PaymentAPI is satisfied by service.PaymentService.
type PaymentAPI interface {
	InitiatePayment(ctx context.Context, orderID string, req service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error)
	GetPaymentStatus(ctx context.Context, orderID string) (*service.PaymentStatusView, error)
	HandleIPN(ctx context.Context, n service.IPNNotification) (*service.IPNResult, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders   OrderAPI
	payments PaymentAPI
	staffKey string
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(orders OrderAPI, payments PaymentAPI, staffKey string, checks map[string]Pinger) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		staffKey: staffKey,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/pesapal/ipn/", h.handleIPN)
	router.POST("/pesapal/ipn/", h.handleIPN)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:order_id", h.getOrder)
		v1.POST("/orders/:order_id/initiate_payment", h.initiatePayment)
		v1.GET("/orders/:order_id/payment_status", h.paymentStatus)
		v1.POST("/orders/:order_id/cancel", h.cancelOrder)
	}

	staff := v1.Group("", h.requireStaff())
	{
		staff.POST("/orders/:order_id/confirm_payment", h.confirmPayment)
		staff.POST("/reservations/:id/approve", h.approveReservation)
		staff.POST("/returns/:id/approve", h.approveReturn)
		staff.POST("/admin/fix-pending-payment-units", h.fixPendingPaymentUnits)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// requireStaff rejects requests without the configured staff key
func (h *Handler) requireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.staffKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "staff access is not configured", "code": "FORBIDDEN", "retryable": false})
			return
		}
		key := c.GetHeader(staffKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.staffKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid staff key", "code": "UNAUTHORIZED", "retryable": false})
			return
		}
		c.Next()
	}
}

// respondError writes the error body for err. Messages of kinds that must not
// leak are replaced by their public message.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	meta := apperr.MetadataFor(kind)
	if kind == apperr.KindFatal {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(meta.HTTPStatus, gin.H{
		"error":     apperr.PublicMessage(err),
		"code":      kind,
		"retryable": meta.Retryable,
	})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     "invalid request: " + err.Error(),
		"code":      apperr.KindValidation,
		"retryable": false,
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
