package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of carts rejected by the assembler",
	}, []string{"reason"})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"to"})

	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_total",
		Help: "Total number of checkout hand-offs by gateway and result",
	}, []string{"gateway", "result"})

	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_call_latency_seconds",
		Help:    "Latency of outbound gateway session calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})

	PaymentsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_settled_total",
		Help: "Total number of payment transitions applied",
	}, []string{"status"})

	SettlementDuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_duplicates_total",
		Help: "Total number of settlement requests that were already applied",
	}, []string{"status"})

	SettlementFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_failed_total",
		Help: "Total number of settlement attempts that rolled back",
	}, []string{"reason"})

	StockConflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_conflict_retries_total",
		Help: "Total number of optimistic stock update retries",
	})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of settlement transactions",
		Buckets: prometheus.DefBuckets,
	})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of webhooks received by gateway and outcome",
	}, []string{"gateway", "outcome"})

	WebhooksSpooledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_spooled_total",
		Help: "Total number of webhooks written to the local spool",
	})

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
