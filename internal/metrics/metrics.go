// Package metrics implements ports.Metrics on top of Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"go-rollout/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Noop discards everything. It is the default when no registry is wired.
type Noop struct{}

func (Noop) IncCounter(string)                {}
func (Noop) SetGauge(string, string, float64) {}

var _ ports.Metrics = Noop{}

// Prometheus keeps one counter per metric name and one task-labelled gauge vector per gauge name.
type Prometheus struct {
	namespace string
	registry  *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]*prometheus.GaugeVec
}

var counterHelp = map[string]string{
	ports.MetricTaskActive:    "Task executions started.",
	ports.MetricTaskCompleted: "Tasks that completed every stage.",
	ports.MetricTaskFailed:    "Tasks that failed on a stage.",
	ports.MetricTaskPaused:    "Tasks paused at a stage boundary.",
	ports.MetricTaskCancelled: "Tasks cancelled.",
	ports.MetricRollbackCount: "Rollbacks started.",
}

func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]*prometheus.GaugeVec),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for name := range counterHelp {
		p.counter(name)
	}
	p.gauge(ports.MetricHeartbeatLag)
	return p
}

func (p *Prometheus) IncCounter(name string) {
	p.counter(name).Inc()
}

func (p *Prometheus) SetGauge(name, taskID string, value float64) {
	p.gauge(name).WithLabelValues(taskID).Set(value)
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Counter returns the counter registered under name.
func (p *Prometheus) Counter(name string) prometheus.Counter {
	return p.counter(name)
}

// Gauge returns the gauge vector registered under name.
func (p *Prometheus) Gauge(name string) *prometheus.GaugeVec {
	return p.gauge(name)
}

func (p *Prometheus) counter(name string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	help := counterHelp[name]
	if help == "" {
		help = name
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name + "_total",
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	help := name
	if name == ports.MetricHeartbeatLag {
		help = "Stages a running task still has to pass."
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      help,
	}, []string{"task_id"})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return g
}
