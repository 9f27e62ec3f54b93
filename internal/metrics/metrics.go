// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/webitel/event-stream-service/internal/domain/model"
)

const namespace = "ess"

// StatsSource is anything able to produce a hub snapshot.
type StatsSource interface {
	Stats(ctx context.Context) model.HubStats
}

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	Registry *prometheus.Registry

	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// Dispatcher metrics
	Requests *prometheus.CounterVec

	// Source metrics
	SourceMessages *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Events handed to the hub by source and outcome",
			},
			[]string{"source", "result"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Time spent broadcasting one event",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"source"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Requests seen by the stream dispatcher by kind and status",
			},
			[]string{"kind", "status"},
		),
		SourceMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_messages_total",
				Help:      "Messages received from external event sources",
			},
			[]string{"source", "result"},
		),
	}

	m.Registry.MustRegister(
		m.EventsIngested,
		m.IngestDuration,
		m.Requests,
		m.SourceMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveIngest records one ingest attempt.
func (m *Metrics) ObserveIngest(source string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsIngested.WithLabelValues(source, result).Inc()
	m.IngestDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// ObserveSource counts one message from an external source. Safe on a nil receiver.
func (m *Metrics) ObserveSource(source, result string) {
	if m == nil {
		return
	}
	m.SourceMessages.WithLabelValues(source, result).Inc()
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RegisterHub exports live hub gauges, computed on scrape.
func (m *Metrics) RegisterHub(src StatsSource) error {
	return m.Registry.Register(newHubCollector(src))
}
