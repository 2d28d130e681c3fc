package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushEvents counts push events applied by the sync session, by event name.
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notisync_push_events_total",
			Help: "Total number of push events received over the socket",
		},
		[]string{"event"},
	)

	// DuplicatesDropped counts records skipped because their id was already present.
	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notisync_duplicates_dropped_total",
			Help: "Total number of duplicate record deliveries ignored by the store",
		},
	)

	// Reconnects counts socket reconnect attempts by result (success|failure).
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notisync_reconnects_total",
			Help: "Total number of push connection attempts",
		},
		[]string{"result"},
	)

	// Rollbacks counts optimistic mutations reversed after a failed confirmation.
	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notisync_rollbacks_total",
			Help: "Total number of optimistic mutations rolled back",
		},
		[]string{"action"},
	)

	// StaleResponses counts fetch completions discarded by the generation check.
	StaleResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notisync_stale_responses_total",
			Help: "Total number of late fetch responses discarded",
		},
	)

	// UnreadGauge tracks the store's current unread counter.
	UnreadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notisync_unread_notifications",
			Help: "Number of unread notifications in the local store",
		},
	)
)
