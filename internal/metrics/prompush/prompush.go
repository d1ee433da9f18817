// Package prompush pushes load metrics to a Prometheus Pushgateway.
//
// Every Prometheus dependency stays in this package; the rest of the
// repository records through metrics.Backend only.
package prompush

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/HDRUK/RDMP-sub001/internal/metrics"
)

// Backend is a Pushgateway metrics backend. The Pushgateway job grouping key
// carries the job name, so "job" labels are not repeated on the series.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec
	stageDuration *prometheus.SummaryVec
	rowCounter    *prometheus.CounterVec
	cacheCounter  *prometheus.CounterVec
	cacheBytes    *prometheus.HistogramVec
}

// NewBackend constructs a backend pushing to gatewayURL under jobName.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, errors.New("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "loader"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StageTotal,
			Help: "Pipeline stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.StageDuration,
			Help:       "Pipeline stage duration in seconds by stage and outcome.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"stage", "outcome"}),
		rowCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Rows handled per table and kind (inserted, updated, discarded, errors ...).",
		}, []string{"table", "kind"}),
		cacheCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.CacheTotal,
			Help: "Cache fetches by source and status (hit, fetched, failed).",
		}, []string{"source", "status"}),
		cacheBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.CacheBytes,
			Help:    "Size of chunks written to the cache.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"source", "status"}),
	}

	for _, c := range []prometheus.Collector{b.stageCounter, b.stageDuration, b.rowCounter, b.cacheCounter, b.cacheBytes} {
		if err := b.reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "prompush: register collector")
		}
	}
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StageTotal:
		b.stageCounter.WithLabelValues(labels["stage"], labels["outcome"]).Add(delta)
	case metrics.RowsTotal:
		b.rowCounter.WithLabelValues(labels["table"], labels["kind"]).Add(delta)
	case metrics.CacheTotal:
		b.cacheCounter.WithLabelValues(labels["source"], labels["status"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.StageDuration:
		b.stageDuration.WithLabelValues(labels["stage"], labels["outcome"]).Observe(value)
	case metrics.CacheBytes:
		b.cacheBytes.WithLabelValues(labels["source"], labels["status"]).Observe(value)
	}
}

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push()
}
