package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	listeningSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicetrigger_sessions_total",
		Help: "Total number of listening sessions started",
	})

	sessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicetrigger_session_active",
		Help: "Whether a listening session is currently active (0 or 1)",
	})

	// Segmentation metrics
	framesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicetrigger_frames_total",
		Help: "Total audio frames processed by the VAD engine",
	})

	utterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicetrigger_utterances_total",
		Help: "Total utterances finalized by the VAD engine",
	})

	utterancesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicetrigger_utterances_dropped_total",
		Help: "Utterances dropped because a transcription was already in flight",
	})

	utteranceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicetrigger_utterance_duration_seconds",
		Help:    "Duration of finalized utterances in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// Transcription metrics
	transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrigger_transcriptions_total",
		Help: "Total transcription requests",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicetrigger_transcription_latency_seconds",
		Help:    "Transcription latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	// Dispatch metrics
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrigger_dispatches_total",
		Help: "Total automation dispatch attempts",
	}, []string{"status"})

	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicetrigger_dispatch_latency_seconds",
		Help:    "Dispatch POST latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Connectivity probe
	probeConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicetrigger_probe_connected",
		Help: "Whether the automation endpoint responded to the last probe (0 or 1)",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrigger_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordSessionStart records a new listening session
func RecordSessionStart() {
	listeningSessions.Inc()
	sessionActive.Set(1)
}

// RecordSessionEnd records the end of a listening session
func RecordSessionEnd() {
	sessionActive.Set(0)
}

// RecordFrame records one processed audio frame
func RecordFrame() {
	framesProcessed.Inc()
}

// RecordUtterance records a finalized utterance of the given duration
func RecordUtterance(seconds float64) {
	utterances.Inc()
	utteranceDuration.Observe(seconds)
}

// RecordUtteranceDropped records an utterance dropped while busy
func RecordUtteranceDropped() {
	utterancesDropped.Inc()
}

// RecordTranscription records a transcription outcome and latency
func RecordTranscription(success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	transcriptions.WithLabelValues(status).Inc()
	transcriptionLatency.Observe(seconds)
}

// RecordDispatch records a dispatch outcome and latency
func RecordDispatch(success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	dispatches.WithLabelValues(status).Inc()
	dispatchLatency.Observe(seconds)
}

// SetProbeConnected updates the connectivity probe gauge
func SetProbeConnected(connected bool) {
	if connected {
		probeConnected.Set(1)
	} else {
		probeConnected.Set(0)
	}
}

// RecordError records an error by type and component
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
