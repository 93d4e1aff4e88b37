// Package metrics exposes the counters and gauges emitted by kin packages
// through a prometheus registry.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kin"

type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the prometheus registry backing this package, for
// exposing through promhttp or gathering in tests.
func Registry() *prometheus.Registry {
	return _registry.reg
}

// Reset drops every metric. Tests use it to start from a clean registry.
func Reset() {
	_registry = newRegistry()
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func vecKey(group, name string, labels []string) string {
	return group + "_" + name + "{" + strings.Join(labels, ",") + "}"
}

func (r *registry) counter(group, name string, labels []string) *prometheus.CounterVec {
	key := vecKey(group, name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
	}, labels)
	if err := r.reg.Register(c); err != nil {
		// same name with a different label set
		return nil
	}
	r.counters[key] = c
	return c
}

func (r *registry) gauge(group, name string, labels []string) *prometheus.GaugeVec {
	key := vecKey(group, name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
	}, labels)
	if err := r.reg.Register(g); err != nil {
		return nil
	}
	r.gauges[key] = g
	return g
}

// IncrCounterWithGroup adds value to the counter group/name.
func IncrCounterWithGroup(group, name string, value Value) {
	IncrCounterWithDimGroup(group, name, value, nil)
}

// IncrCounterWithDimGroup adds value to the counter group/name labelled by dim.
// A given group/name must always be used with the same dimension keys.
func IncrCounterWithDimGroup(group, name string, value Value, dim Dimension) {
	if value < 0 {
		return
	}
	labels := labelNames(dim)
	c := _registry.counter(group, name, labels)
	if c == nil {
		return
	}
	c.With(prometheus.Labels(dim)).Add(float64(value))
}

// UpdateGaugeWithGroup sets the gauge group/name.
func UpdateGaugeWithGroup(group, name string, value Value) {
	UpdateGaugeWithDimGroup(group, name, value, nil)
}

// UpdateGaugeWithDimGroup sets the gauge group/name labelled by dim.
func UpdateGaugeWithDimGroup(group, name string, value Value, dim Dimension) {
	labels := labelNames(dim)
	g := _registry.gauge(group, name, labels)
	if g == nil {
		return
	}
	g.With(prometheus.Labels(dim)).Set(float64(value))
}

// AddGaugeWithGroup moves the gauge group/name by delta.
func AddGaugeWithGroup(group, name string, delta Value) {
	g := _registry.gauge(group, name, nil)
	if g == nil {
		return
	}
	g.With(nil).Add(float64(delta))
}
