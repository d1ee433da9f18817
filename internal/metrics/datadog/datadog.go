// Package datadog sends load metrics to a DogStatsD agent.
package datadog

import (
	"fmt"
	"sort"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/metrics"
)

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///path/to/socket".
	Addr string
	// Namespace prefixes every metric name, e.g. "rdmp.".
	Namespace string
	// GlobalTags are applied to every metric, e.g. "env:prod".
	GlobalTags []string
}

// client is the subset of statsd.ClientInterface the backend uses.
type client interface {
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Close() error
}

// Backend is a Datadog implementation of metrics.Backend.
type Backend struct {
	client client
}

// NewBackend dials the agent at cfg.Addr.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("datadog: Addr is required")
	}
	opts := []statsd.Option{}
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "datadog: create client")
	}
	return &Backend{client: c}, nil
}

// IncCounter implements metrics.Backend. Fractional deltas are truncated.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Count(name, int64(delta), labelsToTags(labels), 1)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Histogram(name, value, labelsToTags(labels), 1)
}

// Flush closes the client, flushing buffered data. Call it once at shutdown.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// labelsToTags renders "key:value" tags in key order.
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, fmt.Sprintf("%s:%s", k, v))
	}
	sort.Strings(out)
	return out
}
