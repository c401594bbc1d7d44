package authclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authclient_refresh_total",
			Help: "Total number of session refresh attempts",
		},
		[]string{"result"},
	)

	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authclient_refresh_duration_seconds",
			Help:    "Time taken by session refresh calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authclient_replays_total",
			Help: "Total number of queued requests released after a refresh",
		},
		[]string{"outcome"},
	)

	SessionInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authclient_session_invalidations_total",
			Help: "Total number of session teardowns triggered by forbidden responses",
		},
	)

	CSRFFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authclient_csrf_fetch_total",
			Help: "Total number of CSRF token fetches",
		},
		[]string{"result"},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authclient_pending_requests",
			Help: "Requests currently waiting on an in-flight refresh",
		},
	)
)
