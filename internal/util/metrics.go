package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"source"})

	OrdersPaidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders moved to PAID",
	}, []string{"source"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	UnitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_unit_transitions_total",
		Help: "Inventory unit status transitions",
	}, []string{"event", "to"})

	PaymentInitiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Payment initiation attempts by result",
	}, []string{"result"})

	PaymentCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_completions_total",
		Help: "Verified payment completions by source",
	}, []string{"source"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Payments ending in a non-completed terminal status",
	}, []string{"status"})

	PaymentSecurityRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_security_rejections_total",
		Help: "Payments rejected because the gateway amount did not match the order",
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of IPN and status-poll processing",
		Buckets: prometheus.DefBuckets,
	})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pesapal_request_duration_seconds",
		Help:    "Latency of gateway HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"call", "status"})

	GatewayRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesapal_retries_total",
		Help: "Gateway request retries by reason",
	}, []string{"reason"})

	IPNReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesapal_ipn_received_total",
		Help: "IPN callbacks by outcome",
	}, []string{"result"})

	ReceiptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipts_dispatched_total",
		Help: "Receipt generation and delivery by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
