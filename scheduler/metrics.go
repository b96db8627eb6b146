package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the scheduler core.
// A nil *Metrics is valid everywhere it's used (see the nil-guarded
// methods below) so components can be constructed without a registry in
// tests.
type Metrics struct {
	eventsHandled   *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	casRetries      prometheus.Histogram
	eventsPublished *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics registers the scheduler's Prometheus collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph_scheduler",
			Name:      "events_handled_total",
			Help:      "Inbound task-completed/task-failed events handled, by kind.",
		}, []string{"kind"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph_scheduler",
			Name:      "handler_errors_total",
			Help:      "Handler errors, by kind.",
		}, []string{"kind"}),
		casRetries: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskgraph_scheduler",
			Name:      "cas_retry_count",
			Help:      "Number of CAS retries observed per modify call.",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph_scheduler",
			Name:      "lifecycle_events_published_total",
			Help:      "taskGraphBlocked/taskGraphFinished events published, by kind.",
		}, []string{"kind"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskgraph_scheduler",
			Name:      "handler_duration_seconds",
			Help:      "Wall time spent in each progression-engine handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}
}

func (m *Metrics) observeEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeError(kind string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) observePublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeHandlerDuration(handler string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(handler).Observe(seconds)
}

// ObserveCASRetries implements storage.RetryObserver: it records how many
// CAS-conflict retries a single ModifyTask/ModifyTaskGraph call needed
// before committing.
func (m *Metrics) ObserveCASRetries(retries int) {
	if m == nil {
		return
	}
	m.casRetries.Observe(float64(retries))
}
