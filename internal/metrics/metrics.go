package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sortarena_executions_total",
			Help: "Total number of submission executions",
		},
		[]string{"engine", "status"}, // status: ok, invalid, timeout, fault, error
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sortarena_execution_duration_ms",
			Help:    "Submission execution duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"engine"},
	)

	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sortarena_rounds_total",
			Help: "Battle rounds by how they ended",
		},
		[]string{"result"}, // result: scored, abandoned
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sortarena_active_rooms",
			Help: "Rooms currently held in memory",
		},
	)

	ConnectedParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sortarena_connected_participants",
			Help: "Open participant connections",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sortarena_rate_limit_hits_total",
			Help: "Total number of inbound messages rejected by the rate limiter",
		},
	)
)
