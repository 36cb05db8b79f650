package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ambulance_dispatch"

var (
	DriversOnDuty  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_on_duty", Help: "Number of on-duty drivers"})
	ActiveSearches = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dispatch_sessions_active", Help: "Dispatch sessions currently searching"})

	OffersPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_published_total", Help: "Ride offers published to drivers"})
	OfferFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_failures_total", Help: "Ride offers that could not be published"})
	DispatchTicks   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_ticks_total", Help: "Dispatch search attempts executed"})

	DispatchOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Finished dispatch sessions by outcome"},
		[]string{"outcome"},
	)
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_search_seconds",
		Help:      "Time from search start to session end",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 200, 300},
	})

	AcceptsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Successful ride assignments"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the assignment race"})

	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Ride cancellations by actor"},
		[]string{"actor"},
	)
	PickupVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pickup_verifications_total", Help: "Pickup code verifications by outcome"},
		[]string{"outcome"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events published on the bus by name"},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped for slow subscribers"})
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open realtime connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
