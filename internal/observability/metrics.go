package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stt_gateway_active_sessions",
		Help: "Number of active transcription sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_gateway_sessions_total",
		Help: "Total number of transcription sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stt_gateway_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	sessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_session_outcomes_total",
		Help: "Session outcomes by kind",
	}, []string{"outcome"}) // outcome: "stopped" or "failed"

	// Audio metrics
	audioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_gateway_audio_chunks_total",
		Help: "Total audio chunks forwarded to the recognizer",
	})

	audioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_gateway_audio_bytes_total",
		Help: "Total audio bytes forwarded to the recognizer",
	})

	droppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_dropped_chunks_total",
		Help: "Audio chunks dropped on queue overflow",
	}, []string{"queue"}) // queue: "capture" or "send"

	// Token metrics
	tokensReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_tokens_total",
		Help: "Recognition tokens received from the service",
	}, []string{"finality"}) // finality: "final" or "partial"

	// Link metrics
	linkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_link_errors_total",
		Help: "Transcription link errors by type",
	}, []string{"type"})
)

// SessionMetrics tracks metrics for a single transcription session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Safe to call more than
// once; only the first call is counted.
func (m *SessionMetrics) RecordSessionEnd(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())

	outcome := "stopped"
	if failed {
		outcome = "failed"
	}
	sessionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordAudioChunk records one audio chunk forwarded to the recognizer
func RecordAudioChunk(bytes int) {
	audioChunks.Inc()
	audioBytes.Add(float64(bytes))
}

// RecordDroppedChunk records an audio chunk dropped on queue overflow
func RecordDroppedChunk(queue string) {
	droppedChunks.WithLabelValues(queue).Inc()
}

// RecordToken records one recognition token received from the service
func RecordToken(isFinal bool) {
	finality := "partial"
	if isFinal {
		finality = "final"
	}
	tokensReceived.WithLabelValues(finality).Inc()
}

// RecordLinkError records a transcription link error
func RecordLinkError(errType string) {
	linkErrors.WithLabelValues(errType).Inc()
}
