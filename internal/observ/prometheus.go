package observ

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "brain"

// Collector exports the in-process registry to Prometheus. It is unchecked: series are
// created lazily by IncCounter/SetGauge/Observe so no descriptors are known up front.
type Collector struct{}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for name, byKey := range reg.counters {
		for _, s := range byKey {
			desc, values := describe(name, s.labels)
			m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, s.value, values...)
			if err == nil {
				ch <- m
			}
		}
	}
	for name, byKey := range reg.gauges {
		for _, s := range byKey {
			desc, values := describe(name, s.labels)
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, s.value, values...)
			if err == nil {
				ch <- m
			}
		}
	}
	for name, byKey := range reg.hist {
		for _, s := range byKey {
			if s.count == 0 {
				continue
			}
			desc, values := describe(name, s.labels)
			q := map[float64]float64{
				0.5:  quantile(s.samples, 0.5),
				0.95: quantile(s.samples, 0.95),
				0.99: quantile(s.samples, 0.99),
			}
			m, err := prometheus.NewConstSummary(desc, s.count, s.sum, q, values...)
			if err == nil {
				ch <- m
			}
		}
	}
}

// NewPrometheusRegistry returns a registry with the bridge plus Go and process collectors
func NewPrometheusRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(NewCollector())
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func describe(name string, labels map[string]string) (*prometheus.Desc, []string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
		keys[i] = sanitize(k)
	}
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", sanitize(name)), name, keys, nil), values
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
