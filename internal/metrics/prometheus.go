package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice relay service
type Metrics struct {
	// Client frame metrics
	FramesReceived prometheus.Counter
	FramesRelayed  prometheus.Counter
	FramesDropped  prometheus.Counter
	ParseErrors    prometheus.Counter

	// Relay session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Upstream live API metrics
	LiveConnects       prometheus.Counter
	LiveReconnects     prometheus.Counter
	LiveFailures       prometheus.Counter
	TurnLatency        prometheus.Histogram
	TranscriptChars    prometheus.Counter
	AnswerAudioSeconds prometheus.Counter
	QuotaRefusals      prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec

	// Store metrics
	StoreQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Client frame metrics
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_frames_received_total",
			Help: "Total number of audio frames received from clients",
		}),
		FramesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_frames_relayed_total",
			Help: "Total number of answer audio frames relayed to clients",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_frames_dropped_total",
			Help: "Total number of answer frames dropped due to client backpressure",
		}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_frame_parse_errors_total",
			Help: "Total number of client frame parsing errors",
		}),

		// Relay session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dewey_active_sessions",
			Help: "Current number of active relay sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionsDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_sessions_destroyed_total",
			Help: "Total number of relay sessions destroyed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dewey_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Upstream live API metrics
		LiveConnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_live_connects_total",
			Help: "Total number of upstream live API connections established",
		}),
		LiveReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_live_reconnects_total",
			Help: "Total number of mid-session upstream reconnects",
		}),
		LiveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_live_failures_total",
			Help: "Total number of fatal upstream live API failures",
		}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dewey_turn_latency_seconds",
			Help:    "Time from end of utterance to turn completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptChars: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_transcript_chars_total",
			Help: "Total number of transcript characters received from upstream",
		}),
		AnswerAudioSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_answer_audio_seconds_total",
			Help: "Total seconds of answer audio relayed to clients",
		}),
		QuotaRefusals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dewey_quota_refusals_total",
			Help: "Total number of turns refused due to daily question quota",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dewey_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dewey_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dewey_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),

		// Store metrics
		StoreQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dewey_store_query_duration_seconds",
			Help:    "Duration of store queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"query"}),
	}
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameRelayed increments the frames relayed counter
func (m *Metrics) RecordFrameRelayed() {
	m.FramesRelayed.Inc()
}

// RecordFrameDropped increments the frames dropped counter
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordLiveConnect increments the upstream connects counter
func (m *Metrics) RecordLiveConnect() {
	m.LiveConnects.Inc()
}

// RecordLiveReconnect increments the upstream reconnects counter
func (m *Metrics) RecordLiveReconnect() {
	m.LiveReconnects.Inc()
}

// RecordLiveFailure increments the upstream failures counter
func (m *Metrics) RecordLiveFailure() {
	m.LiveFailures.Inc()
}

// RecordTurnComplete records a completed turn's latency
func (m *Metrics) RecordTurnComplete(latencySeconds float64) {
	m.TurnLatency.Observe(latencySeconds)
}

// RecordTranscriptChars adds to the transcript characters counter
func (m *Metrics) RecordTranscriptChars(chars int) {
	m.TranscriptChars.Add(float64(chars))
}

// RecordAnswerAudio adds relayed answer audio duration
func (m *Metrics) RecordAnswerAudio(seconds float64) {
	m.AnswerAudioSeconds.Add(seconds)
}

// RecordQuotaRefusal increments the quota refusals counter
func (m *Metrics) RecordQuotaRefusal() {
	m.QuotaRefusals.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// RecordStoreQuery records a store query's duration
func (m *Metrics) RecordStoreQuery(query string, durationSeconds float64) {
	m.StoreQueryDuration.WithLabelValues(query).Observe(durationSeconds)
}
