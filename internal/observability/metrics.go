package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the reporting pipeline counters.
type Metrics struct {
	published *prometheus.CounterVec
	consumed  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	analyses  *prometheus.CounterVec
	runners   *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_report_events_published_total",
		Help: "Total reporting events routed to the broker by request type.",
	}, []string{"request_type"})
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_report_events_consumed_total",
		Help: "Total reporting events handled by consumers by request type and outcome.",
	}, []string{"request_type", "outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_report_retries_linked_total",
		Help: "Total retry links by identity strategy.",
	}, []string{"strategy"})
	analyses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_report_analyses_total",
		Help: "Total launch analyses by kind and outcome.",
	}, []string{"kind", "outcome"})
	runners := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_report_runner_failures_total",
		Help: "Total launch finished runner failures by runner.",
	}, []string{"runner"})

	published = registerCounterVec(registerer, published)
	consumed = registerCounterVec(registerer, consumed)
	retries = registerCounterVec(registerer, retries)
	analyses = registerCounterVec(registerer, analyses)
	runners = registerCounterVec(registerer, runners)

	return &Metrics{
		published: published,
		consumed:  consumed,
		retries:   retries,
		analyses:  analyses,
		runners:   runners,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncPublished(requestType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(requestType).Inc()
}

func (m *Metrics) IncConsumed(requestType, outcome string) {
	if m == nil || m.consumed == nil {
		return
	}
	m.consumed.WithLabelValues(requestType, outcome).Inc()
}

func (m *Metrics) IncRetryLinked(strategy string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncAnalysis(kind, outcome string) {
	if m == nil || m.analyses == nil {
		return
	}
	m.analyses.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncRunnerFailure(runner string) {
	if m == nil || m.runners == nil {
		return
	}
	m.runners.WithLabelValues(runner).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
