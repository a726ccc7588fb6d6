package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxSamples = 2048

type series struct {
	labels map[string]string
	value  float64
	// histogram samples, bounded ring
	samples []float64
	next    int
	count   uint64
	sum     float64
}

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]*series // name -> labelsKey -> series
	gauges   map[string]map[string]*series
	hist     map[string]map[string]*series
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: map[string]map[string]*series{},
		gauges:   map[string]map[string]*series{},
		hist:     map[string]map[string]*series{},
	}
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func (r *registry) get(m map[string]map[string]*series, name string, labels map[string]string) *series {
	byKey, ok := m[name]
	if !ok {
		byKey = map[string]*series{}
		m[name] = byKey
	}
	k := canonLabels(labels)
	s, ok := byKey[k]
	if !ok {
		cp := make(map[string]string, len(labels))
		for lk, lv := range labels {
			cp[lk] = lv
		}
		s = &series{labels: cp}
		byKey[k] = s
	}
	return s
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if value < 0 {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.get(reg.counters, name, labels).value += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.get(reg.gauges, name, labels).value = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := reg.get(reg.hist, name, labels)
	if len(s.samples) < maxSamples {
		s.samples = append(s.samples, value)
	} else {
		s.samples[s.next] = value
		s.next = (s.next + 1) % maxSamples
	}
	s.count++
	s.sum += value
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Microseconds())/1000.0, labels)
}

// CounterValue returns the current value of one counter series
func CounterValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if byKey, ok := reg.counters[name]; ok {
		if s, ok := byKey[canonLabels(labels)]; ok {
			return s.value
		}
	}
	return 0
}

// CounterTotal sums a counter across all label sets
func CounterTotal(name string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var total float64
	for _, s := range reg.counters[name] {
		total += s.value
	}
	return total
}

// GaugeValue returns the current value of one gauge series
func GaugeValue(name string, labels map[string]string) (float64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if byKey, ok := reg.gauges[name]; ok {
		if s, ok := byKey[canonLabels(labels)]; ok {
			return s.value, true
		}
	}
	return 0, false
}

// Percentile returns the p-quantile (0..1) over retained samples of one histogram series
func Percentile(name string, labels map[string]string, p float64) (float64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	byKey, ok := reg.hist[name]
	if !ok {
		return 0, false
	}
	s, ok := byKey[canonLabels(labels)]
	if !ok || len(s.samples) == 0 {
		return 0, false
	}
	return quantile(s.samples, p), true
}

func quantile(samples []float64, p float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ResetMetrics clears the registry; tests only
func ResetMetrics() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.counters = map[string]map[string]*series{}
	reg.gauges = map[string]map[string]*series{}
	reg.hist = map[string]map[string]*series{}
}

// Handler is a plain JSON dump for quick checks; Prometheus scrapes go through Collector
func Handler() http.Handler {
	type hist struct {
		Count uint64  `json:"count"`
		Sum   float64 `json:"sum"`
		P50   float64 `json:"p50"`
		P95   float64 `json:"p95"`
	}
	type dump struct {
		Counters map[string]map[string]float64 `json:"counters"`
		Gauges   map[string]map[string]float64 `json:"gauges"`
		Hist     map[string]map[string]hist    `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		d := dump{
			Counters: map[string]map[string]float64{},
			Gauges:   map[string]map[string]float64{},
			Hist:     map[string]map[string]hist{},
		}
		for name, byKey := range reg.counters {
			d.Counters[name] = map[string]float64{}
			for k, s := range byKey {
				d.Counters[name][k] = s.value
			}
		}
		for name, byKey := range reg.gauges {
			d.Gauges[name] = map[string]float64{}
			for k, s := range byKey {
				d.Gauges[name][k] = s.value
			}
		}
		for name, byKey := range reg.hist {
			d.Hist[name] = map[string]hist{}
			for k, s := range byKey {
				h := hist{Count: s.count, Sum: s.sum}
				if len(s.samples) > 0 {
					h.P50 = quantile(s.samples, 0.5)
					h.P95 = quantile(s.samples, 0.95)
				}
				d.Hist[name][k] = h
			}
		}
		reg.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d)
	})
}
