package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the subsystem's Prometheus instruments on a private
// registry. A nil *Metrics is a valid no-op receiver so components can be
// wired without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	tasksEnqueued       prometheus.Counter
	tasksDispatched     prometheus.Counter
	tasksCompleted      *prometheus.CounterVec
	escalationsRaised   prometheus.Counter
	escalationsResolved prometheus.Counter
	amendmentsCreated   prometheus.Counter
	amendmentsReverted  prometheus.Counter
	policyViolations    prometheus.Counter
	eventsDropped       prometheus.Counter
	queueDepth          prometheus.Gauge
	inFlight            prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.tasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_tasks_enqueued_total",
		Help: "Tasks accepted into the scheduling queue.",
	})
	m.tasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_tasks_dispatched_total",
		Help: "Tasks handed to a role's execution capability.",
	})
	m.tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgsim_tasks_terminal_total",
		Help: "Tasks reaching a terminal status, by outcome.",
	}, []string{"outcome"})
	m.escalationsRaised = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_escalations_raised_total",
		Help: "Escalations appended to the human decision queue.",
	})
	m.escalationsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_escalations_resolved_total",
		Help: "Escalations resolved by a human decision.",
	})
	m.amendmentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_amendments_created_total",
		Help: "Policy amendments generated by review cycles.",
	})
	m.amendmentsReverted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_amendments_reverted_total",
		Help: "Amendments reverted after a failed evaluation window.",
	})
	m.policyViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_policy_violations_total",
		Help: "Rejected self-amendment, cross-team, or cap-exceeding attempts.",
	})
	m.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_events_dropped_total",
		Help: "Events lost to full subscriber buffers.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orgsim_queue_depth",
		Help: "Tasks waiting in the scheduling queue.",
	})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orgsim_tasks_in_flight",
		Help: "Tasks currently being executed.",
	})

	m.registry.MustRegister(
		m.tasksEnqueued,
		m.tasksDispatched,
		m.tasksCompleted,
		m.escalationsRaised,
		m.escalationsResolved,
		m.amendmentsCreated,
		m.amendmentsReverted,
		m.policyViolations,
		m.eventsDropped,
		m.queueDepth,
		m.inFlight,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskEnqueued() {
	if m != nil {
		m.tasksEnqueued.Inc()
	}
}

func (m *Metrics) TaskDispatched() {
	if m != nil {
		m.tasksDispatched.Inc()
	}
}

func (m *Metrics) TaskTerminal(outcome string) {
	if m != nil {
		m.tasksCompleted.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) EscalationRaised() {
	if m != nil {
		m.escalationsRaised.Inc()
	}
}

func (m *Metrics) EscalationResolved() {
	if m != nil {
		m.escalationsResolved.Inc()
	}
}

func (m *Metrics) AmendmentCreated() {
	if m != nil {
		m.amendmentsCreated.Inc()
	}
}

func (m *Metrics) AmendmentReverted() {
	if m != nil {
		m.amendmentsReverted.Inc()
	}
}

func (m *Metrics) PolicyViolation() {
	if m != nil {
		m.policyViolations.Inc()
	}
}

func (m *Metrics) EventsDropped(n int) {
	if m != nil && n > 0 {
		m.eventsDropped.Add(float64(n))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetInFlight(n int) {
	if m != nil {
		m.inFlight.Set(float64(n))
	}
}
