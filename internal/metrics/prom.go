package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame dispositions recorded for inbound frames.
const (
	DispositionRouted    = "routed"
	DispositionUnknownID = "unknown_id"
	DispositionBroadcast = "broadcast"
	DispositionMalformed = "malformed"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "deskmux_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "client"},
		},
		[]string{"date", "sha", "version"},
	)

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskmux_connection_state",
			Help: "1 for the current connection state of a client, 0 otherwise",
		},
		[]string{"client", "state"},
	)

	connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_connects_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"client", "outcome"},
	)

	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_reconnect_attempts_total",
			Help: "Automatic reconnect attempts",
		},
		[]string{"client"},
	)

	interactionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_interactions_started_total",
			Help: "Interactions started per route",
		},
		[]string{"client", "route"},
	)

	interactionsStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_interactions_stopped_total",
			Help: "Interactions removed by StopInteraction",
		},
		[]string{"client"},
	)

	interactionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskmux_interactions_active",
			Help: "Interactions currently registered on the live connection",
		},
		[]string{"client"},
	)

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_frames_sent_total",
			Help: "Frames written to the socket",
		},
		[]string{"client"},
	)

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_frames_received_total",
			Help: "Frames read from the socket by routing disposition",
		},
		[]string{"client", "disposition"},
	)

	callbackPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskmux_callback_panics_total",
			Help: "Interaction callbacks that panicked",
		},
		[]string{"client"},
	)
)

var states = []string{"disconnected", "connecting", "connected", "error"}

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectionState, connects, reconnectAttempts, interactionsStarted,
		interactionsStopped, interactionsActive, framesSent, framesReceived, callbackPanics)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetConnectionState marks state as the current state of client.
func SetConnectionState(client, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(client, s).Set(v)
	}
}

// RecordConnect increments the connect counter.
func RecordConnect(client string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	connects.WithLabelValues(client, outcome).Inc()
}

// RecordReconnectAttempt increments the automatic reconnect counter.
func RecordReconnectAttempt(client string) {
	reconnectAttempts.WithLabelValues(client).Inc()
}

// RecordInteractionStarted counts a started interaction.
func RecordInteractionStarted(client, route string) {
	interactionsStarted.WithLabelValues(client, route).Inc()
}

// RecordInteractionStopped counts an explicitly stopped interaction.
func RecordInteractionStopped(client string) {
	interactionsStopped.WithLabelValues(client).Inc()
}

// SetActiveInteractions sets the number of registered interactions.
func SetActiveInteractions(client string, n int) {
	interactionsActive.WithLabelValues(client).Set(float64(n))
}

// RecordFrameSent counts an outbound frame.
func RecordFrameSent(client string) {
	framesSent.WithLabelValues(client).Inc()
}

// RecordFrameReceived counts an inbound frame with its routing disposition.
func RecordFrameReceived(client, disposition string) {
	framesReceived.WithLabelValues(client, disposition).Inc()
}

// RecordCallbackPanic counts a recovered callback panic.
func RecordCallbackPanic(client string) {
	callbackPanics.WithLabelValues(client).Inc()
}
