package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_sync_frames_received_total",
			Help: "Frames received from the server, by normalized kind",
		},
		[]string{"kind"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_sync_frames_dropped_total",
			Help: "Frames dropped at the decode boundary",
		},
		[]string{"reason"},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_sync_handler_failures_total",
			Help: "Frame handlers that returned an error or panicked",
		},
		[]string{"kind"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_sync_reconnects_total",
			Help: "Successful reconnections after a transport failure",
		},
	)

	ConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_sync_connection_up",
			Help: "1 while the frame channel is connected",
		},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_sync_active_sessions",
			Help: "Open room sessions",
		},
	)

	BackfillPages = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wirechat_sync_backfill_pages",
			Help:    "History pages fetched per backfill",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 20},
		},
	)

	Acknowledgements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_sync_acknowledgements_total",
			Help: "Unread acknowledgements by outcome",
		},
		[]string{"outcome"}, // "ok" or "failed"
	)

	MemberRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_sync_member_refreshes_total",
			Help: "Full member-list refreshes by trigger",
		},
		[]string{"trigger"}, // "seed", "unknown_user", "periodic"
	)

	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_sync_room_evictions_total",
			Help: "Room sessions torn down by a room_closed event",
		},
	)

	MentionsRaised = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_sync_mentions_raised_total",
			Help: "Mention notifications raised for the current identity",
		},
	)
)
