package main

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/metrics"
	"github.com/HDRUK/RDMP-sub001/internal/metrics/datadog"
	"github.com/HDRUK/RDMP-sub001/internal/metrics/prompush"
)

// setupMetrics installs the selected backend and returns the function that
// flushes it when the command ends. Backend init failures leave metrics
// disabled rather than failing the load.
func setupMetrics(g *globals, job string, log logger.Logger) (func(), error) {
	nop := func() {}
	switch strings.ToLower(g.metricsBackend) {
	case "", "none":
		log.Debugf("metrics: disabled")
		return nop, nil
	case "pushgateway":
		url := g.pushGatewayURL
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			log.Warnf("metrics: failed to init prom push backend: %v; using nop", err)
			return nop, nil
		}
		log.Infof("metrics: backend=pushgateway url=%s job_name=%s", url, job)
		metrics.SetBackend(b)
	case "datadog":
		addr := g.statsdAddr
		if addr == "" {
			addr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: addr, Namespace: "rdmp.", GlobalTags: []string{"job:" + job}})
		if err != nil {
			log.Warnf("metrics: failed to init datadog backend: %v; using nop", err)
			return nop, nil
		}
		log.Infof("metrics: backend=datadog addr=%s", addr)
		metrics.SetBackend(b)
	default:
		return nop, errors.Errorf("metrics: unknown backend %q", g.metricsBackend)
	}
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warnf("metrics: flush error: %v", err)
		}
	}, nil
}
