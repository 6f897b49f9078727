package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Exporter ships a batch of metrics somewhere.
type Exporter interface {
	Export(metrics []Metric) error
}

// DefaultBufferLimit is how many metrics a collector holds before it flushes
// on its own.
const DefaultBufferLimit = 1000

// Collector buffers metrics until they are flushed. A publish run stays far
// below the buffer limit and is exported once on Shutdown; a long-lived
// process flushes every time the buffer fills.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	enabled  bool
	exporter Exporter
	limit    int
}

// NewCollector creates a collector. A nil exporter logs metrics on flush.
func NewCollector(enabled bool, exporter Exporter) *Collector {
	return &Collector{enabled: enabled, exporter: exporter, limit: DefaultBufferLimit}
}

// WithBufferLimit changes the number of buffered metrics that triggers a flush.
func (c *Collector) WithBufferLimit(n int) *Collector {
	if n > 0 {
		c.limit = n
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration measurement in seconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Timer, Value: duration.Seconds(), Labels: labels, Unit: "seconds"})
}

func (c *Collector) addMetric(metric Metric) {
	if !c.enabled {
		return
	}
	metric.Timestamp = time.Now()

	c.mu.Lock()
	c.metrics = append(c.metrics, metric)
	var full []Metric
	if len(c.metrics) >= c.limit {
		full = c.metrics
		c.metrics = nil
	}
	c.mu.Unlock()

	if full != nil {
		if err := c.export(full); err != nil {
			log.Warn().Err(err).Int("count", len(full)).Msg("flush full metric buffer")
		}
	}
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Drain returns buffered metrics and clears the buffer.
func (c *Collector) Drain() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics := c.metrics
	c.metrics = nil
	return metrics
}

// FlushMetrics hands buffered metrics to the exporter and clears the buffer.
func (c *Collector) FlushMetrics() error {
	return c.export(c.Drain())
}

func (c *Collector) export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")

	if c.exporter != nil {
		return c.exporter.Export(metrics)
	}

	for _, metric := range metrics {
		log.Info().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

// Shutdown flushes whatever is left.
func (c *Collector) Shutdown() error {
	return c.FlushMetrics()
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool, exporter Exporter) {
	globalMu.Lock()
	globalCollector = NewCollector(enabled, exporter)
	globalMu.Unlock()
}

// GetGlobal returns the global collector, disabled until InitGlobal is called.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, nil)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
