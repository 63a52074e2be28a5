package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-subsystem Prometheus instruments: the agentic loop,
// provider streaming, tool dispatch, the scheduler, push delivery, and the
// viewport streamer. All record methods are nil-safe so subsystems can be
// wired without metrics in tests.
type Metrics struct {
	// agentic loop
	turnEndTotal        *prometheus.CounterVec
	budgetExceededTotal *prometheus.CounterVec
	loopIterations      prometheus.Histogram

	// provider streaming
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensTotal     *prometheus.CounterVec
	providerCostUSDTotal    *prometheus.CounterVec

	// tool dispatch
	toolExecutionsTotal   *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	// scheduler
	cronDispatchTotal *prometheus.CounterVec

	// push
	pushDeliveriesTotal *prometheus.CounterVec
	pushReapedTotal     prometheus.Counter
	pushSuppressedTotal prometheus.Counter

	// viewport
	viewportFramesTotal prometheus.Counter
	viewportFrameBytes  prometheus.Counter

	// hub control plane
	hubClientsConnected prometheus.Gauge
}

// NewMetrics registers the instrument set on reg (the default registerer
// when nil) and returns it. Tests pass a fresh prometheus.NewRegistry so
// repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		turnEndTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_turn_end_total",
			Help: "Completed provider turns by canonical stop reason.",
		}, []string{"stop_reason"}),
		budgetExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_budget_exceeded_total",
			Help: "Agent loops terminated by a budget, by reason.",
		}, []string{"reason"}),
		loopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentryhub_loop_iterations",
			Help:    "Iterations taken per completed agent loop.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50, 100, 200},
		}),

		providerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_provider_requests_total",
			Help: "Streaming completion requests by provider and status.",
		}, []string{"provider", "status"}),
		providerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentryhub_provider_request_duration_seconds",
			Help:    "Wall time of one streamed completion request.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		providerTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_provider_tokens_total",
			Help: "Tokens consumed by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),
		providerCostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_provider_cost_usd_total",
			Help: "Estimated spend by provider and model, in USD.",
		}, []string{"provider", "model"}),

		toolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_tool_executions_total",
			Help: "Tool dispatches by tool name and outcome.",
		}, []string{"tool", "status"}),
		toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentryhub_tool_execution_duration_seconds",
			Help:    "Wall time of one tool dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"tool"}),

		cronDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_cron_dispatch_total",
			Help: "Scheduled-entry dispatches by entry id and outcome.",
		}, []string{"entry_id", "status"}),

		pushDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryhub_push_deliveries_total",
			Help: "Push sends by outcome (delivered, failed).",
		}, []string{"status"}),
		pushReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryhub_push_reaped_total",
			Help: "Subscriptions reaped after a 404/410 from the push service.",
		}),
		pushSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryhub_push_suppressed_total",
			Help: "Push sends skipped because a device was active.",
		}),

		viewportFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryhub_viewport_frames_total",
			Help: "Frames pushed to viewport stream clients.",
		}),
		viewportFrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryhub_viewport_frame_bytes_total",
			Help: "JPEG payload bytes pushed to viewport stream clients.",
		}),

		hubClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryhub_hub_clients_connected",
			Help: "Currently connected hub control-plane clients.",
		}),
	}

	factory(m.turnEndTotal)
	factory(m.budgetExceededTotal)
	factory(m.loopIterations)
	factory(m.providerRequestsTotal)
	factory(m.providerRequestDuration)
	factory(m.providerTokensTotal)
	factory(m.providerCostUSDTotal)
	factory(m.toolExecutionsTotal)
	factory(m.toolExecutionDuration)
	factory(m.cronDispatchTotal)
	factory(m.pushDeliveriesTotal)
	factory(m.pushReapedTotal)
	factory(m.pushSuppressedTotal)
	factory(m.viewportFramesTotal)
	factory(m.viewportFrameBytes)
	factory(m.hubClientsConnected)
	return m
}

// RecordTurnEnd counts a completed turn by canonical stop reason.
func (m *Metrics) RecordTurnEnd(stopReason string) {
	if m == nil {
		return
	}
	m.turnEndTotal.WithLabelValues(stopReason).Inc()
}

// RecordBudgetExceeded counts a budget-terminated loop.
func (m *Metrics) RecordBudgetExceeded(reason string) {
	if m == nil {
		return
	}
	m.budgetExceededTotal.WithLabelValues(reason).Inc()
}

// RecordLoopComplete observes the iteration count of a finished loop.
func (m *Metrics) RecordLoopComplete(iterations int) {
	if m == nil {
		return
	}
	m.loopIterations.Observe(float64(iterations))
}

// RecordProviderRequest counts one streamed request and its duration.
func (m *Metrics) RecordProviderRequest(provider, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.providerRequestsTotal.WithLabelValues(provider, status).Inc()
	m.providerRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordProviderUsage counts tokens and estimated cost for one turn.
func (m *Metrics) RecordProviderUsage(provider, model string, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.providerTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.providerTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	m.providerCostUSDTotal.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolExecution counts one tool dispatch.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.toolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCronDispatch counts a scheduled-entry dispatch.
func (m *Metrics) RecordCronDispatch(entryID, status string) {
	if m == nil {
		return
	}
	m.cronDispatchTotal.WithLabelValues(entryID, status).Inc()
}

// RecordPushDelivery counts one push send attempt.
func (m *Metrics) RecordPushDelivery(status string) {
	if m == nil {
		return
	}
	m.pushDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordPushReaped counts a subscription removed on 404/410.
func (m *Metrics) RecordPushReaped() {
	if m == nil {
		return
	}
	m.pushReapedTotal.Inc()
}

// RecordPushSuppressed counts a send skipped because a device was active.
func (m *Metrics) RecordPushSuppressed() {
	if m == nil {
		return
	}
	m.pushSuppressedTotal.Inc()
}

// RecordViewportFrame counts one pushed frame and its payload size.
func (m *Metrics) RecordViewportFrame(bytes int) {
	if m == nil {
		return
	}
	m.viewportFramesTotal.Inc()
	m.viewportFrameBytes.Add(float64(bytes))
}

// SetHubClientsConnected tracks the control-plane client count.
func (m *Metrics) SetHubClientsConnected(n int) {
	if m == nil {
		return
	}
	m.hubClientsConnected.Set(float64(n))
}
