// Package metrics declares the Prometheus collectors of the service. They
// register on the default registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_captures_total",
			Help: "Provider captures by provider, payment type and outcome",
		},
		[]string{"provider", "type", "result"},
	)

	CaptureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payments_capture_duration_seconds",
			Help:    "Time spent recording a capture, including the processor",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"provider"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_payouts_total",
			Help: "Commission obligation payouts by outcome",
		},
		[]string{"result"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_transfers_total",
			Help: "Outbound affiliate transfers by funding source and outcome",
		},
		[]string{"funding", "result"},
	)

	DebtCollections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seller_debt_collections_total",
			Help: "Deposit draws applied to seller debts",
		},
		[]string{"result"},
	)

	DepositTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deposit_lot_transitions_total",
			Help: "Deposit lot status transitions by target status",
		},
		[]string{"to"},
	)

	NotifyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_errors_total",
			Help: "Notifications that could not be delivered",
		},
	)

	AuditPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_publish_errors_total",
			Help: "Audit events that could not be published",
		},
	)
)
