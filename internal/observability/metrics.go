package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	handoffsTotal    *prometheus.CounterVec
	handoffDuration  prometheus.Histogram
	bufferedFrames   *prometheus.CounterVec
	droppedFrames    *prometheus.CounterVec
	storeOpDuration  *prometheus.HistogramVec
	storeErrorsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRejectionsTotal   *prometheus.CounterVec

	decisionTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "switchboard_active_sessions",
					Help: "Current client sessions held by the gateway.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_sessions_total",
					Help: "Client sessions by outcome (created, resumed, rejected, purged).",
				},
				[]string{"outcome"},
			),
			handoffsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_handoffs_total",
					Help: "Connection swaps by trigger and status.",
				},
				[]string{"trigger", "status"},
			),
			handoffDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "switchboard_handoff_duration_seconds",
					Help:    "Time from handoff start until the new link is initialized.",
					Buckets: prometheus.DefBuckets,
				},
			),
			bufferedFrames: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_buffered_frames_total",
					Help: "Inbound frames queued while no downstream link was ready.",
				},
				[]string{"reason"},
			),
			droppedFrames: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_dropped_frames_total",
					Help: "Downstream frames dropped before reaching the client.",
				},
				[]string{"reason"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "switchboard_store_operation_duration_seconds",
					Help:    "Session store operation duration by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			storeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_store_errors_total",
					Help: "Session store errors by operation.",
				},
				[]string{"op"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "switchboard_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRejectionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_tool_rejections_total",
					Help: "Tool calls refused by a pipeline gate, by reason.",
				},
				[]string{"reason"},
			),
			decisionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_decision_total",
					Help: "Decision node resolutions by match strategy.",
				},
				[]string{"strategy"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.handoffsTotal,
			m.handoffDuration,
			m.bufferedFrames,
			m.droppedFrames,
			m.storeOpDuration,
			m.storeErrorsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRejectionsTotal,
			m.decisionTotal,
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

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSession(outcome string) {
	getMetrics().sessionsTotal.WithLabelValues(outcome).Inc()
}

func RecordHandoff(trigger string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
		m.handoffDuration.Observe(duration.Seconds())
	}
	m.handoffsTotal.WithLabelValues(trigger, status).Inc()
}

func RecordBufferedFrame(reason string) {
	getMetrics().bufferedFrames.WithLabelValues(reason).Inc()
}

func RecordDroppedFrame(reason string) {
	getMetrics().droppedFrames.WithLabelValues(reason).Inc()
}

func RecordStoreOp(op string, duration time.Duration, err error) {
	m := getMetrics()
	m.storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.storeErrorsTotal.WithLabelValues(op).Inc()
	}
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

func RecordToolRejection(reason string) {
	getMetrics().toolRejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordDecision(strategy string) {
	getMetrics().decisionTotal.WithLabelValues(strategy).Inc()
}
