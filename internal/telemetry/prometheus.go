// Package telemetry exposes vmbridge measurements as Prometheus metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	vmCallDuration  *prometheus.HistogramVec
	forwardDuration *prometheus.HistogramVec
	pulls           *prometheus.CounterVec
	pullDuration    prometheus.Histogram
	registryEntries *prometheus.GaugeVec
	connected       prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		vmCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmbridge_vm_call_duration_seconds",
				Help:    "Duration of VM service JSON-RPC calls in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status"},
		),
		forwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmbridge_forward_duration_seconds",
				Help:    "Duration of forwarded tool calls and resource reads in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind", "name", "status"},
		),
		pulls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmbridge_registration_pulls_total",
				Help: "Total number of registration pulls by outcome",
			},
			[]string{"status"},
		),
		pullDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vmbridge_registration_pull_duration_seconds",
				Help:    "Duration of registration pulls in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		registryEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vmbridge_registry_entries",
				Help: "Current number of dynamic registry entries",
			},
			[]string{"kind"},
		),
		connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vmbridge_vm_connected",
				Help: "1 while a VM service connection is open",
			},
		),
	}
}

func status(failed bool) string {
	if failed {
		return "error"
	}
	return "success"
}

func (p *PrometheusMetrics) ObserveCall(method string, d time.Duration, err error) {
	p.vmCallDuration.WithLabelValues(method, status(err != nil)).Observe(d.Seconds())
}

func (p *PrometheusMetrics) ObserveForward(kind, name string, d time.Duration, isError bool) {
	p.forwardDuration.WithLabelValues(kind, name, status(isError)).Observe(d.Seconds())
}

func (p *PrometheusMetrics) SetRegistrySize(tools, resources int) {
	p.registryEntries.WithLabelValues("tool").Set(float64(tools))
	p.registryEntries.WithLabelValues("resource").Set(float64(resources))
}

func (p *PrometheusMetrics) ObservePull(d time.Duration, err error) {
	p.pulls.WithLabelValues(status(err != nil)).Inc()
	p.pullDuration.Observe(d.Seconds())
}

func (p *PrometheusMetrics) SetConnected(connected bool) {
	if connected {
		p.connected.Set(1)
		return
	}
	p.connected.Set(0)
}
