package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "orders_created_total", Help: "Total orders created"})
	OffersTotal        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "offers_total", Help: "Offers by outcome"},
		[]string{"outcome"},
	)
	DispatchDeclinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "dispatch_declined_total", Help: "Orders declined by the dispatcher, by reason"},
		[]string{"reason"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "delivery_dispatch",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from order creation to accepted or declined",
		Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
	})
	GeofenceValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "geofence_validations_total", Help: "Geofence validations by leg role"},
		[]string{"role"},
	)
	PositionReportsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "position_reports_total", Help: "Driver position reports accepted"})
	StaleDriversTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "stale_drivers_total", Help: "Drivers flagged for GPS silence by the watchdog"})

	PushEventsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "push_events_total", Help: "State change events published"})
	PushDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "push_dropped_total", Help: "Events dropped on full subscriber buffers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
