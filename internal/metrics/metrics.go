package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neuro_connections_active",
			Help: "Currently registered websocket connections",
		},
		[]string{"role"},
	)

	HandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuro_handshake_failures_total",
			Help: "Connections rejected before registration",
		},
		[]string{"role", "reason"},
	)

	SamplesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neuro_samples_processed_total",
			Help: "EEG samples that produced an aggregate reading",
		},
	)

	SamplesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neuro_samples_skipped_total",
			Help: "EEG samples dropped for insufficient channel data",
		},
	)

	SpikesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neuro_spikes_detected_total",
			Help: "Concentration spikes that produced a screenshot request",
		},
	)

	AudioEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuro_audio_events_total",
			Help: "Concentration change events recorded during audio tracking",
		},
		[]string{"type"},
	)

	FramesAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neuro_frames_attached_total",
			Help: "Client frame reports by outcome",
		},
		[]string{"result"},
	)

	PendingFramesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neuro_pending_frames_evicted_total",
			Help: "Pending frames dropped unclaimed by TTL or capacity",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neuro_broadcast_drops_total",
			Help: "Client sends that failed during broadcast",
		},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neuro_sessions_swept_total",
			Help: "Tracking sessions evicted by the idle sweeper",
		},
	)
)
