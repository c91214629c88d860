package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cadence"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions prometheus.Gauge
	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec

	classifierVerdicts *prometheus.CounterVec
	subtasksPlanned    prometheus.Histogram
	loopIterations     prometheus.Histogram
	loopCapReached     prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	providerCooldown   *prometheus.GaugeVec

	streamEventsTotal *prometheus.CounterVec
	streamCloseRaces  prometheus.Counter

	storeWriteDuration *prometheus.HistogramVec
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
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Sessions with a live execution flag.",
				},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Finished turns by outcome (answered, completed, cancelled, failed).",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Turn duration in seconds by outcome.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"outcome"},
			),
			classifierVerdicts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "classifier_verdicts_total",
					Help:      "Classifier verdicts (question, task, invalid).",
				},
				[]string{"verdict"},
			),
			subtasksPlanned: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "subtasks_planned",
					Help:      "Number of subtasks produced per decomposition.",
					Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
				},
			),
			loopIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "loop_iterations",
					Help:      "Agent loop iterations per turn.",
					Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30, 50},
				},
			),
			loopCapReached: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "loop_cap_reached_total",
					Help:      "Loops that stopped at the iteration cap with tool calls pending.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			llmRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_requests_total",
					Help:      "Model provider requests by provider, mode and status.",
				},
				[]string{"provider", "mode", "status"},
			),
			llmRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_request_duration_seconds",
					Help:      "Model provider request duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_events_total",
					Help:      "Events written to client streams by kind.",
				},
				[]string{"kind"},
			),
			streamCloseRaces: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_close_races_total",
					Help:      "Close or send attempts that lost to an earlier terminal close.",
				},
			),
			storeWriteDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_write_duration_seconds",
					Help:      "Persistence write duration in seconds by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.turnsTotal,
			m.turnDuration,
			m.classifierVerdicts,
			m.subtasksPlanned,
			m.loopIterations,
			m.loopCapReached,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.llmRequestsTotal,
			m.llmRequestDuration,
			m.providerCooldown,
			m.streamEventsTotal,
			m.streamCloseRaces,
			m.storeWriteDuration,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

// RecordTurn counts a finished turn. outcome is one of answered, completed,
// cancelled or failed.
func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordClassifierVerdict(verdict string) {
	getMetrics().classifierVerdicts.WithLabelValues(verdict).Inc()
}

func RecordSubtasksPlanned(count int) {
	getMetrics().subtasksPlanned.Observe(float64(count))
}

func RecordLoop(iterations int, capReached bool) {
	m := getMetrics()
	m.loopIterations.Observe(float64(iterations))
	if capReached {
		m.loopCapReached.Inc()
	}
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordLLMRequest counts a provider call; mode is "chat" or "stream".
func RecordLLMRequest(provider, mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmRequestsTotal.WithLabelValues(provider, mode, statusLabel(success)).Inc()
	m.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordStreamEvent(kind string) {
	getMetrics().streamEventsTotal.WithLabelValues(kind).Inc()
}

func RecordStreamCloseRace() {
	getMetrics().streamCloseRaces.Inc()
}

func RecordStoreWrite(op string, duration time.Duration) {
	getMetrics().storeWriteDuration.WithLabelValues(op).Observe(duration.Seconds())
}
