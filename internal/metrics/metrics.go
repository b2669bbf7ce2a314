// Package metrics defines the observation sink the core emits into.
// The core never touches a metrics registry directly; components take a
// Sink at construction and the process wires in either the prometheus
// implementation or Nop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives the core's observations.
type Sink interface {
	// StepDone records one successful named step (fetch, store, repack,
	// mirror-push) and its latency.
	StepDone(step string, d time.Duration)

	// StepFailed counts one failure of a named step.
	StepFailed(step string)

	// SetHeapBytes reports the loose-object footprint of the store.
	SetHeapBytes(v int64)

	// SetMisordered reports the chain misorder count.
	SetMisordered(v int)

	// SetDonorUpdateTime reports the latest update time known to one
	// donor, unix seconds.
	SetDonorUpdateTime(donor string, unix int64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) StepDone(string, time.Duration)  {}
func (Nop) StepFailed(string)               {}
func (Nop) SetHeapBytes(int64)              {}
func (Nop) SetMisordered(int)               {}
func (Nop) SetDonorUpdateTime(string, int64) {}

// Prometheus is a Sink backed by a prometheus registry.
type Prometheus struct {
	registry *prometheus.Registry

	stepLatency *prometheus.SummaryVec
	stepErrors  *prometheus.CounterVec
	heapBytes   prometheus.Gauge
	misordered  prometheus.Gauge
	donorUpdate *prometheus.GaugeVec
}

// NewPrometheus builds a Sink with its own registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		stepLatency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "gitar_step_seconds",
			Help: "Latency of archival pipeline steps.",
		}, []string{"step"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitar_step_errors_total",
			Help: "Failures per archival pipeline step.",
		}, []string{"step"}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitar_heap_bytes",
			Help: "Footprint of loose (unpacked) objects in the store.",
		}),
		misordered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitar_misordered_commits",
			Help: "Commits whose signing time precedes an earlier chain position.",
		}),
		donorUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitar_donor_update_time",
			Help: "Latest update time known to each donor, unix seconds.",
		}, []string{"donor"}),
	}
	p.registry.MustRegister(p.stepLatency, p.stepErrors, p.heapBytes, p.misordered, p.donorUpdate)
	return p
}

func (p *Prometheus) StepDone(step string, d time.Duration) {
	p.stepLatency.WithLabelValues(step).Observe(d.Seconds())
}

func (p *Prometheus) StepFailed(step string) {
	p.stepErrors.WithLabelValues(step).Inc()
}

func (p *Prometheus) SetHeapBytes(v int64) { p.heapBytes.Set(float64(v)) }
func (p *Prometheus) SetMisordered(v int)  { p.misordered.Set(float64(v)) }

func (p *Prometheus) SetDonorUpdateTime(donor string, unix int64) {
	p.donorUpdate.WithLabelValues(donor).Set(float64(unix))
}

// Handler serves the registry in the standard exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
