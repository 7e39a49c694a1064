package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions   prometheus.Gauge
	sessionOpens     *prometheus.CounterVec
	historyAppends   prometheus.Counter
	historyReplays   prometheus.Histogram
	envelopesEmitted *prometheus.CounterVec

	turnTotal     *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	turnToolCalls prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	modelRequestTotal    *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec

	retrievalQueryDuration *prometheus.HistogramVec
	retrievalChunksIndexed prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "turn_queue_size",
					Help: "Pending turns by session lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_enqueue_total",
					Help: "Total turns enqueued by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_dequeue_total",
					Help: "Total turns completed by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_queue_wait_seconds",
					Help:    "Time a turn spends from enqueue to completion by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionOpens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_opens_total",
					Help: "Session open operations by outcome (new, resumed, rehydrated).",
				},
				[]string{"outcome"},
			),
			historyAppends: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "history_appends_total",
					Help: "Total envelopes appended to session history.",
				},
			),
			historyReplays: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "history_replay_duration_seconds",
					Help:    "Session history replay duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			envelopesEmitted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "envelopes_emitted_total",
					Help: "Envelopes emitted to clients by stage.",
				},
				[]string{"stage"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turns_total",
					Help: "Completed turns by final status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "End-to-end turn duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
				},
			),
			turnToolCalls: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_tool_calls",
					Help:    "Tool invocations per turn.",
					Buckets: prometheus.LinearBuckets(0, 1, 8),
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			modelRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_request_total",
					Help: "Model requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_request_duration_seconds",
					Help:    "Model request duration in seconds by provider.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
				},
				[]string{"provider"},
			),
			retrievalQueryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "retrieval_query_duration_seconds",
					Help:    "Retrieval query duration in seconds by index.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"index"},
			),
			retrievalChunksIndexed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "retrieval_chunks_indexed",
					Help: "Total chunks currently indexed for retrieval.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionOpens,
			m.historyAppends,
			m.historyReplays,
			m.envelopesEmitted,
			m.turnTotal,
			m.turnDuration,
			m.turnToolCalls,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.modelRequestTotal,
			m.modelRequestDuration,
			m.retrievalQueryDuration,
			m.retrievalChunksIndexed,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

// RecordSessionOpen tracks how a session id presented by a client resolved.
// Outcome is one of "new", "resumed", "rehydrated".
func RecordSessionOpen(outcome string) {
	getMetrics().sessionOpens.WithLabelValues(outcome).Inc()
}

func RecordHistoryAppend() {
	getMetrics().historyAppends.Inc()
}

func RecordHistoryReplay(duration time.Duration) {
	getMetrics().historyReplays.Observe(duration.Seconds())
}

func RecordEnvelopeEmitted(stage string) {
	getMetrics().envelopesEmitted.WithLabelValues(stage).Inc()
}

func RecordTurn(status string, duration time.Duration, toolCalls int) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.turnToolCalls.Observe(float64(toolCalls))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordModelRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelRequestTotal.WithLabelValues(provider, status).Inc()
	m.modelRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordRetrievalQuery(index string, duration time.Duration) {
	getMetrics().retrievalQueryDuration.WithLabelValues(index).Observe(duration.Seconds())
}

func SetRetrievalChunks(total int) {
	getMetrics().retrievalChunksIndexed.Set(float64(total))
}
