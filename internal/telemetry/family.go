package telemetry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// family is one Prometheus metric vector with a fixed set of label names.
// Counters map to CounterVec, gauges to GaugeVec, timers and histograms to
// HistogramVec.
type family struct {
	name    string
	typ     MetricType
	keys    []string
	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec
	hist    *prometheus.HistogramVec
}

func newFamily(name string, typ MetricType, unit string, keys []string) *family {
	help := fmt.Sprintf("sitepub %s", typ)
	if unit != "" {
		help += " in " + unit
	}
	f := &family{name: name, typ: typ, keys: keys}
	switch typ {
	case Counter:
		f.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, keys)
	case Timer, Histogram:
		f.hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets}, keys)
	default:
		f.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, keys)
	}
	return f
}

func (f *family) collector() prometheus.Collector {
	switch {
	case f.counter != nil:
		return f.counter
	case f.hist != nil:
		return f.hist
	default:
		return f.gauge
	}
}

// observe applies m to the vector. Labels outside the family's names are
// ignored and missing ones are empty.
func (f *family) observe(m Metric) {
	values := make([]string, len(f.keys))
	for i, k := range f.keys {
		values[i] = m.Labels[k]
	}
	switch {
	case f.counter != nil:
		if m.Value < 0 {
			log.Warn().Str("metric", f.name).Float64("value", m.Value).Msg("counter cannot decrease, dropping sample")
			return
		}
		f.counter.WithLabelValues(values...).Add(m.Value)
	case f.hist != nil:
		f.hist.WithLabelValues(values...).Observe(m.Value)
	default:
		f.gauge.WithLabelValues(values...).Set(m.Value)
	}
}

// metricName appends the unit suffix Prometheus expects, e.g. _seconds.
func metricName(m Metric) string {
	if m.Unit != "" && !strings.HasSuffix(m.Name, "_"+m.Unit) {
		return m.Name + "_" + m.Unit
	}
	return m.Name
}

func sortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
