package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "crewd"

// RunMetrics exposes Prometheus collectors that report orchestrator activity.
// All methods are safe on a nil receiver.
type RunMetrics struct {
	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsActive      prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
	planAttempts    *prometheus.CounterVec
	questions       *prometheus.CounterVec
	synthesis       *prometheus.CounterVec
	replies         *prometheus.CounterVec
	connections     prometheus.Gauge
	reattachments   prometheus.Counter
	promptTokens    *prometheus.HistogramVec
	inboundRejected *prometheus.CounterVec
}

var (
	defaultRunMetricsOnce sync.Once
	sharedRunMetrics      *RunMetrics
)

// DefaultRunMetrics returns the metrics instance registered with the global registry.
func DefaultRunMetrics() *RunMetrics {
	defaultRunMetricsOnce.Do(func() {
		sharedRunMetrics = MustNewRunMetrics(prometheus.DefaultRegisterer)
	})
	return sharedRunMetrics
}

// MustNewRunMetrics constructs RunMetrics using the provided registerer. Collectors
// already registered under the same name are reused; any other registration
// error panics.
func MustNewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &RunMetrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "run", Name: "started_total",
			Help: "Runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "run", Name: "finished_total",
			Help: "Runs that reached a terminal state, by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "run", Name: "duration_seconds",
			Help:    "Wall-clock duration of runs, including time spent waiting on the user.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "run", Name: "active",
			Help: "Runs currently executing.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "task", Name: "duration_seconds",
			Help:    "Duration of individual pipeline tasks.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"role", "status"}),
		planAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "plan", Name: "attempts_total",
			Help: "Planner outcomes: ok, repaired or failed.",
		}, []string{"outcome"}),
		questions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "broker", Name: "questions_total",
			Help: "Questions by outcome: asked, answered, timeout, rejected.",
		}, []string{"outcome"}),
		synthesis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "pipeline", Name: "synthesis_decisions_total",
			Help: "Synthesis decisions taken after the pipeline completed.",
		}, []string{"decision"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "replies_total",
			Help: "Direct worker replies by mode.",
		}, []string{"mode"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "connections",
			Help: "Open conversation connections.",
		}),
		reattachments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "reattachments_total",
			Help: "Connections that reattached to an in-flight run.",
		}),
		promptTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "pipeline", Name: "prompt_tokens",
			Help:    "Estimated prompt size in tokens.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}, []string{"kind"}),
		inboundRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gateway", Name: "inbound_rejected_total",
			Help: "Inbound frames rejected by the gateway.",
		}, []string{"reason"}),
	}

	m.runsStarted = register(reg, m.runsStarted)
	m.runsFinished = register(reg, m.runsFinished)
	m.runDuration = register(reg, m.runDuration)
	m.runsActive = register(reg, m.runsActive)
	m.taskDuration = register(reg, m.taskDuration)
	m.planAttempts = register(reg, m.planAttempts)
	m.questions = register(reg, m.questions)
	m.synthesis = register(reg, m.synthesis)
	m.replies = register(reg, m.replies)
	m.connections = register(reg, m.connections)
	m.reattachments = register(reg, m.reattachments)
	m.promptTokens = register(reg, m.promptTokens)
	m.inboundRejected = register(reg, m.inboundRejected)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// RunStarted marks a run as active.
func (m *RunMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

// RunFinished records the terminal status of a run.
func (m *RunMetrics) RunFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveTask records the duration of one pipeline task.
func (m *RunMetrics) ObserveTask(role, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(role, status).Observe(duration.Seconds())
}

// PlanOutcome counts a planner result.
func (m *RunMetrics) PlanOutcome(outcome string) {
	if m == nil {
		return
	}
	m.planAttempts.WithLabelValues(outcome).Inc()
}

// Question counts a broker event.
func (m *RunMetrics) Question(outcome string) {
	if m == nil {
		return
	}
	m.questions.WithLabelValues(outcome).Inc()
}

// SynthesisDecision counts how the pipeline produced its final output.
func (m *RunMetrics) SynthesisDecision(decision string) {
	if m == nil {
		return
	}
	m.synthesis.WithLabelValues(decision).Inc()
}

// Reply counts a direct worker reply.
func (m *RunMetrics) Reply(mode string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(mode).Inc()
}

// ConnectionOpened tracks a new conversation connection.
func (m *RunMetrics) ConnectionOpened(reattached bool) {
	if m == nil {
		return
	}
	m.connections.Inc()
	if reattached {
		m.reattachments.Inc()
	}
}

// ConnectionClosed tracks a closed conversation connection.
func (m *RunMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// PromptTokens records an estimated prompt size.
func (m *RunMetrics) PromptTokens(kind string, tokens int) {
	if m == nil {
		return
	}
	m.promptTokens.WithLabelValues(kind).Observe(float64(tokens))
}

// InboundRejected counts a malformed or throttled inbound frame.
func (m *RunMetrics) InboundRejected(reason string) {
	if m == nil {
		return
	}
	m.inboundRejected.WithLabelValues(reason).Inc()
}
