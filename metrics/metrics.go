// Package metrics exposes Prometheus collectors for the coordination and
// session-driver components, mirroring the graph engine's own
// PrometheusMetrics collector but over this service's domain events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds every metric the debugger records. All names are
// namespaced "macrostepd_".
type Collectors struct {
	activeInstances  prometheus.Gauge
	submitsTotal     *prometheus.CounterVec
	refreshesTotal   *prometheus.CounterVec
	permissionResult *prometheus.CounterVec
	macrostepLatency *prometheus.HistogramVec
	treeNodesTotal   *prometheus.CounterVec
	exhaustionsTotal *prometheus.CounterVec

	enabled bool
}

// New registers every collector with registry. A nil registry uses
// prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Collectors {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	c := &Collectors{enabled: true}

	c.activeInstances = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "macrostepd",
		Name:      "active_instances",
		Help:      "Current number of instances registered with the Instance Store that are not yet finished",
	})

	c.submitsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrostepd",
		Name:      "submits_total",
		Help:      "Total number of accepted Submit requests, labeled by process type",
	}, []string{"app", "process_type"})

	c.refreshesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrostepd",
		Name:      "refreshes_total",
		Help:      "Total number of accepted Refresh requests, labeled by process type",
	}, []string{"app", "process_type"})

	c.permissionResult = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrostepd",
		Name:      "permission_decisions_total",
		Help:      "Total number of Next? decisions, labeled by outcome (GO, WAIT, REFRESH)",
	}, []string{"app", "result"})

	c.macrostepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "macrostepd",
		Name:      "macrostep_latency_ms",
		Help:      "Wall-clock time from permit_set to the resulting insert-or-dedupe, in milliseconds",
		Buckets:   []float64{50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"app"})

	c.treeNodesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrostepd",
		Name:      "tree_nodes_created_total",
		Help:      "Total number of Collective Breakpoint nodes created (dedup misses), labeled by kind",
	}, []string{"app", "kind"})

	c.exhaustionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrostepd",
		Name:      "exhaustions_total",
		Help:      "Total number of nodes marked exhausted during propagation",
	}, []string{"app"})

	return c
}

func (c *Collectors) SetActiveInstances(count int) {
	if c == nil || !c.enabled {
		return
	}
	c.activeInstances.Set(float64(count))
}

func (c *Collectors) RecordSubmit(app, processType string) {
	if c == nil || !c.enabled {
		return
	}
	c.submitsTotal.WithLabelValues(app, processType).Inc()
}

func (c *Collectors) RecordRefresh(app, processType string) {
	if c == nil || !c.enabled {
		return
	}
	c.refreshesTotal.WithLabelValues(app, processType).Inc()
}

func (c *Collectors) RecordPermissionResult(app, result string) {
	if c == nil || !c.enabled {
		return
	}
	c.permissionResult.WithLabelValues(app, result).Inc()
}

func (c *Collectors) RecordMacrostepLatency(app string, d time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	c.macrostepLatency.WithLabelValues(app).Observe(float64(d.Milliseconds()))
}

func (c *Collectors) RecordNodeCreated(app, kind string) {
	if c == nil || !c.enabled {
		return
	}
	c.treeNodesTotal.WithLabelValues(app, kind).Inc()
}

func (c *Collectors) RecordExhaustion(app string) {
	if c == nil || !c.enabled {
		return
	}
	c.exhaustionsTotal.WithLabelValues(app).Inc()
}
